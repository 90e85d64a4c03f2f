package cmd

import (
	"fmt"
	"time"

	"runplane/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Get status of a run",
	Long:  `Retrieve a run's current state (QUEUED, RUNNING, COMPLETED, ERROR), its description and when it was submitted. A finished run is settled before the answer is sent.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(cmd)
		if client == nil {
			return
		}

		job, err := client.GetRun(args[0])
		if err != nil {
			printAPIError(cmd, "Status", err)
			return
		}

		printStatus(cmd, *job)
	},
}

func printStatus(cmd *cobra.Command, job api.Job) {
	// Header with status icon
	icon := statusIcon(job.Status)
	cmd.Printf("%s %sRun Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, job.ID)
	cmd.Printf("%sName:%s        %s\n", colorDim, colorReset, job.DisplayName)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(job.Status))
	cmd.Printf("%sDescription:%s %s\n", colorDim, colorReset, job.Description)
	cmd.Printf("%sSubmitted:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(job.CreatedAt))
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case api.StatusCompleted:
		return colorGreen + "✓" + colorReset
	case api.StatusError:
		return colorRed + "✗" + colorReset
	case api.StatusRunning:
		return colorYellow + "⏳" + colorReset
	case api.StatusQueued:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case api.StatusCompleted:
		return icon + " " + colorGreen + status + colorReset
	case api.StatusError:
		return icon + " " + colorRed + status + colorReset
	case api.StatusRunning:
		return icon + " " + colorYellow + status + colorReset
	case api.StatusQueued:
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func terminal(status string) bool {
	return status == api.StatusCompleted || status == api.StatusError
}

func formatTimeWithRelative(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	relative := relativeTime(t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
