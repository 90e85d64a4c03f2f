package cmd

import (
	"os/signal"
	"strings"
	"syscall"
	"time"

	"runplane/pkg/api"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs [run_id]",
	Short: "Show the engine logs of a run",
	Long: `Print the engine log of every scenario of a run. With --follow the logs
are polled and new output is printed until the run finishes.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]
		flags := cmd.Flags()
		tail, _ := flags.GetInt("tail")
		follow, _ := flags.GetBool("follow")
		interval, _ := flags.GetDuration("interval")

		client := newClient(cmd)
		if client == nil {
			return
		}

		if !follow {
			logs, err := client.GetLogs(runID, tail)
			if err != nil {
				printAPIError(cmd, "Logs", err)
				return
			}
			for _, l := range logs {
				printScenarioLog(cmd, l.Scenario, l.Content, len(logs) > 1)
			}
			return
		}

		// Trap Ctrl+C to exit gracefully
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		f := &follower{printed: make(map[string]int), tail: tail}
		for {
			// Status first: logs read after a terminal status are complete.
			job, err := client.GetRun(runID)
			if err != nil {
				printAPIError(cmd, "Status", err)
				return
			}

			logs, err := client.GetLogs(runID, 0)
			if err != nil {
				printAPIError(cmd, "Logs", err)
				return
			}
			f.print(cmd, logs)

			if terminal(job.Status) {
				cmd.Printf("\nRun finished: %s\n", colorizeStatus(job.Status))
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	},
}

// follower prints only what was not printed in an earlier poll.
type follower struct {
	printed map[string]int
	tail    int
}

func (f *follower) print(cmd *cobra.Command, logs []api.ScenarioLog) {
	for _, l := range logs {
		done, seen := f.printed[l.Scenario]
		if done > len(l.Content) {
			// The file was rewritten; start over.
			done = 0
		}
		chunk := l.Content[done:]
		if !seen && f.tail > 0 {
			chunk = lastLines(chunk, f.tail)
		}
		f.printed[l.Scenario] = len(l.Content)
		if chunk == "" {
			continue
		}
		printScenarioLog(cmd, l.Scenario, chunk, len(logs) > 1)
	}
}

func printScenarioLog(cmd *cobra.Command, scenario, content string, header bool) {
	if header {
		cmd.Printf("%s==> %s <==%s\n", colorBold, scenario, colorReset)
	}
	cmd.Print(content)
	// Keep the next header on its own line.
	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		cmd.Println()
	}
}

// lastLines returns the last n lines of s.
func lastLines(s string, n int) string {
	trimmed := strings.TrimSuffix(s, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return s
	}
	out := strings.Join(lines[len(lines)-n:], "\n")
	if strings.HasSuffix(s, "\n") {
		out += "\n"
	}
	return out
}

func init() {
	flags := logsCmd.Flags()
	flags.IntP("tail", "t", 0, "Only show the last N lines of each scenario (0 shows everything)")
	flags.BoolP("follow", "f", false, "Poll until the run finishes")
	flags.Duration("interval", 2*time.Second, "Polling interval with --follow")

	rootCmd.AddCommand(logsCmd)
}
