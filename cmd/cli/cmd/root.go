package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runctl",
	Short: "runctl submits and manages simulation runs on a runplane controller",
	Long: `runctl is the command-line interface for runplane.

runplane queues simulation runs and executes them one at a time on the
controller host. Each run is owned by the user who submitted it; only the
owner can see, delete or read the logs of a run.

Common workflows:

  Queue a run over two scenarios:
    runctl submit --name q3-close --scenario base --scenario shock --switch horizon=30

  List your runs (finished runs are settled first):
    runctl list

  Show one run:
    runctl status <run-id>

  Read the engine logs, following until the run finishes:
    runctl logs <run-id> --follow

  Cancel a queued run or kill a running one:
    runctl delete <run-id>

Configuration:
  Set the API endpoint and identity via flags, environment variables or
  $HOME/.runctl.yaml:
    RUNCTL_URL           API endpoint (default: http://localhost:6161)
    RUNCTL_USER          Owner sent to the API (default: $USER)
    RUNCTL_OWNER_HEADER  Header carrying the owner (default: X-Remote-User)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".runctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".runctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "RUNCTL_VARNAME"
	viper.SetEnvPrefix("RUNCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "runplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("user", "u", os.Getenv("USER"), "Owner to act as")
	viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))

	rootCmd.PersistentFlags().String("owner-header", "X-Remote-User", "Header the controller reads the owner from")
	viper.BindPFlag("owner_header", rootCmd.PersistentFlags().Lookup("owner-header"))
}

// newClient builds a client from the resolved configuration. It prints the
// reason and returns nil when no owner is configured.
func newClient(cmd *cobra.Command) *RunClient {
	user := viper.GetString("user")
	if user == "" {
		cmd.Println("User not found. Please set it using the --user flag or the RUNCTL_USER environment variable")
		return nil
	}
	return NewRunClient(viper.GetString("url"), user, viper.GetString("owner_header"))
}

// printAPIError reports err prefixed with what failed.
func printAPIError(cmd *cobra.Command, what string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s failed (%d): %s\n", what, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("%s failed: %v\n", what, err)
}
