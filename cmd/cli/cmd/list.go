package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your runs",
	Long:  `List every run you own, newest first. Runs whose process has exited are settled to COMPLETED or ERROR before the list is returned.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(cmd)
		if client == nil {
			return
		}

		jobs, err := client.ListRuns()
		if err != nil {
			printAPIError(cmd, "List", err)
			return
		}

		if len(jobs) == 0 {
			cmd.Println("No runs.")
			return
		}

		// Same destination as cmd.Print.
		w := tabwriter.NewWriter(cmd.OutOrStderr(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSUBMITTED\tDESCRIPTION")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\t%s\n", j.ID, j.DisplayName, j.Status, relativeTime(j.CreatedAt), j.Description)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
