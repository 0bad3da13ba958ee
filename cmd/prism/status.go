package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/prism-engine/prism/internal/types"
)

var statusConversation string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker and job ledger status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Prism Status ==="))

		workers, err := store.GetActiveWorkers(ctx)
		if err != nil {
			return fmt.Errorf("failed to get workers: %w", err)
		}
		fmt.Printf("%s\n", yellow("Workers:"))
		if len(workers) == 0 {
			fmt.Printf("  %s\n", gray("No active workers"))
		}
		for _, w := range workers {
			icon, paint := green("●"), green
			if time.Since(w.LastHeartbeat) > 2*time.Minute {
				icon, paint = yellow("⚠"), yellow
			}
			fmt.Printf("  %s %s\n", icon, paint(w.InstanceID))
			fmt.Printf("    Host:      %s (PID %d)\n", w.Hostname, w.PID)
			fmt.Printf("    Heartbeat: %s (%v ago)\n",
				w.LastHeartbeat.Format("15:04:05"),
				time.Since(w.LastHeartbeat).Round(time.Second))
		}
		fmt.Println()

		filter := types.JobFilter{Limit: 20}
		if statusConversation != "" {
			filter.ConversationID = &statusConversation
		}
		jobs, err := store.ListJobs(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}

		fmt.Printf("%s\n", yellow("Recent Jobs:"))
		if len(jobs) == 0 {
			fmt.Printf("  %s\n", gray("No jobs"))
		}
		for _, j := range jobs {
			var paint func(a ...interface{}) string
			switch j.Status {
			case types.JobCompleted:
				paint = green
			case types.JobFailed:
				paint = red
			case types.JobProcessing:
				paint = yellow
			default:
				paint = gray
			}
			fmt.Printf("  %s  %-28s %-12s p%d  %s\n",
				paint(fmt.Sprintf("%-10s", j.Status)), j.Type, j.ConversationID,
				j.Priority, gray(j.ID))
			if j.Status == types.JobFailed && j.Result != "" {
				fmt.Printf("      %s\n", red(j.Result))
			}
		}
		fmt.Println()
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusConversation, "conversation", "", "filter jobs by conversation")
	rootCmd.AddCommand(statusCmd)
}
