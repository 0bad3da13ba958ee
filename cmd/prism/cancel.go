package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/prism-engine/prism/internal/types"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending job",
	Long: `Cancel a pending job. A job that a worker has already claimed cannot be
cancelled; it will run its attempt to completion or be requeued by the
retry manager.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		job, err := store.GetJob(ctx, args[0])
		if err != nil {
			return err
		}

		switch job.Status {
		case types.JobPending:
		case types.JobProcessing:
			worker := job.WorkerID
			if worker == "" {
				worker = "a worker"
			}
			return fmt.Errorf("job %s is being processed by %s and cannot be cancelled", job.ID, worker)
		default:
			return fmt.Errorf("job %s is already %s", job.ID, job.Status)
		}

		now := time.Now().UTC()
		err = store.ConditionalUpdate(ctx, job.ID, types.JobPending, job.Version, map[string]interface{}{
			"status":       types.JobCancelled,
			"completed_at": now,
		})
		if errors.Is(err, types.ErrConflict) {
			return fmt.Errorf("job %s changed state while cancelling; run status and retry", job.ID)
		}
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Cancelled job %s\n", green("✓"), job.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
