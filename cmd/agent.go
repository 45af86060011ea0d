package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/clinivoice/capture-agent/internal/server"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the local control server",
	Long: `Run the agent in the foreground, exposing the HTTP control API on
localhost for frontends. On startup, transcription jobs that were in
flight when the agent last exited are recovered from the server and
monitoring resumes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := agent.RecoverTranscriptions(cmd.Context(), ""); err != nil {
			slog.Warn("transcription recovery failed", "error", err)
		}
		return server.New(agent, cfg.Server.Port).Start()
	},
}
