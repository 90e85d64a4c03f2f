package cmd

import (
	"runplane/pkg/api"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a run",
	Long: `Queue a simulation run over one or more scenarios.

The run waits in the server-wide queue and starts when every earlier run has
finished. Switches are written to each scenario's switches.yaml.

Example:
  runctl submit --name baseline --scenario base
  runctl submit --name stress --scenario base --scenario shock --switch horizon=30 --switch mode=fast \
      --description "Q3 stress test"`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		name, _ := flags.GetString("name")
		scenarios, _ := flags.GetStringSlice("scenario")
		switches, _ := flags.GetStringToString("switch")
		description, _ := flags.GetString("description")

		if name == "" {
			cmd.Println("Error: --name is required")
			return
		}

		if len(scenarios) == 0 {
			cmd.Println("Error: at least one --scenario is required")
			return
		}

		client := newClient(cmd)
		if client == nil {
			return
		}

		result, err := client.SubmitRun(api.SubmitRunRequest{
			Name:        name,
			Scenarios:   scenarios,
			Switches:    switches,
			Description: description,
		})
		if err != nil {
			printAPIError(cmd, "Submit", err)
			return
		}

		cmd.Printf("✓ Run queued!\nRun ID: %s\n", result.JobID)
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("name", "n", "", "Name of the run (required)")
	flags.StringSliceP("scenario", "s", []string{}, "Scenario to run; repeat or comma-separate for several (required)")
	flags.StringToString("switch", map[string]string{}, "Engine switch as key=value; repeatable")
	flags.StringP("description", "d", "", "Free-text description (default lists the scenarios)")

	rootCmd.AddCommand(submitCmd)
}
