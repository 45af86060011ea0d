package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show capture state, upload queue and pending transcriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Capture: %s\n", agent.CaptureState())

		uploads := agent.Uploads()
		fmt.Fprintf(out, "\nUpload queue (%d):\n", len(uploads))
		if len(uploads) > 0 {
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFILE\tSTATUS\tPROGRESS\tERROR")
			for _, u := range uploads {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n", u.ID, u.FileName, u.Status, u.ProgressPercent, u.Error)
			}
			w.Flush()
		}

		jobs := agent.Transcriptions()
		fmt.Fprintf(out, "\nTranscriptions (%d):\n", len(jobs))
		if len(jobs) > 0 {
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RECORDING\tFILE\tSTATUS\tATTEMPTS\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", j.RecordingID, j.FileName, j.Status, j.Attempts, j.Error)
			}
			w.Flush()
		}

		usage, err := agent.StorageUsage(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nLocal storage: %d recordings, %.1f MB\n",
			usage.Count, float64(usage.TotalSize)/(1024*1024))
		return nil
	},
}
