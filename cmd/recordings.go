package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "Manage recordings stored on this device",
}

var recordingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local recordings",
	RunE: func(cmd *cobra.Command, args []string) error {
		metas, err := agent.LocalRecordings(cmd.Context())
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Println("No local recordings.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILE\tSIZE\tUPLOADED\tEXPIRES")
		for _, m := range metas {
			uploaded := "no"
			if m.Uploaded {
				uploaded = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%.1f MB\t%s\t%s\n",
				m.ID, m.FileName, float64(m.Size)/(1024*1024), uploaded,
				m.ExpiresAt.Local().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var recordingsDownloadCmd = &cobra.Command{
	Use:   "download <id> <path>",
	Short: "Copy a local recording's audio to a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := agent.DownloadRecording(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Saved %s\n", args[1])
		return nil
	},
}

var recordingsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-queue a failed upload from its local copy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent.Subscribe(printNotification)
		uploadID, err := agent.RetryUpload(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Upload re-queued (%s).\n", uploadID)
		waitForUpload(uploadID)
		return nil
	},
}

var recordingsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one local recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agent.DeleteRecording(cmd.Context(), args[0])
	},
}

var recordingsWipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete all local recordings",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("yes")
		if !confirm {
			return fmt.Errorf("refusing to wipe without --yes")
		}
		usage, err := agent.StorageUsage(cmd.Context())
		if err != nil {
			return err
		}
		if err := agent.WipeRecordings(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Deleted %d recordings.\n", usage.Count)
		return nil
	},
}

func init() {
	recordingsWipeCmd.Flags().Bool("yes", false, "confirm deletion")
	recordingsCmd.AddCommand(recordingsListCmd)
	recordingsCmd.AddCommand(recordingsDownloadCmd)
	recordingsCmd.AddCommand(recordingsRetryCmd)
	recordingsCmd.AddCommand(recordingsDeleteCmd)
	recordingsCmd.AddCommand(recordingsWipeCmd)
}
