package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List capturable audio sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := agent.ListSources(cmd.Context())
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Println("No audio sources found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tNAME")
		for _, s := range sources {
			fmt.Fprintf(w, "%s\t%s\n", s.Kind, s.Name)
		}
		return w.Flush()
	},
}
