package cmd

import (
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:     "delete [run_id]",
	Aliases: []string{"rm"},
	Short:   "Delete a run",
	Long: `Delete a run and its output. A queued run leaves the queue without ever
starting; a running run has its process killed first.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(cmd)
		if client == nil {
			return
		}

		if err := client.DeleteRun(args[0]); err != nil {
			printAPIError(cmd, "Delete", err)
			return
		}

		cmd.Printf("✓ Run %s deleted\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
