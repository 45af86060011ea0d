package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/clinivoice/capture-agent/internal/config"
	"github.com/clinivoice/capture-agent/internal/service"
)

var (
	cfg          *config.Config
	cfgFile      string
	verboseLevel int

	agent *service.Agent
)

var rootCmd = &cobra.Command{
	Use:   "clinivoice",
	Short: "Background capture and upload agent for clinical session recordings",
	Long: `Clinivoice captures session audio from the microphone, a running
application, or system audio, stores it safely on this device, and uploads it
to the clinic backend in the background with automatic transcription tracking.

Recordings are kept locally (encrypted by default) for 48 hours so a failed
or interrupted upload never loses audio.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		// .env is optional; it feeds the CLINIVOICE_* environment overrides.
		_ = godotenv.Load()

		if cfgFile == "" {
			cfgFile = os.ExpandEnv("$HOME/.config/clinivoice/config.yaml")
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if cmd.Name() == "init" { // config init writes the file, no agent needed
			return nil
		}

		agent, err = service.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize agent: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if agent != nil {
			agent.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/clinivoice/config.yaml)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(recordingsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

// setupLogging configures slog based on the verbose level.
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))
}
