package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/prism-engine/prism/internal/types"
)

var (
	submitType     string
	submitPriority int
	submitRetries  int
	submitTimeout  int
	submitTick     int
	submitSeed     int64
)

var submitCmd = &cobra.Command{
	Use:   "submit <conversation-id>",
	Short: "Submit an analysis job",
	Long: `Submit a job for a conversation. The default compose-pipeline job cuts
a new tick at the current vote watermark and chains the projection,
clustering, and representativeness stages.

Report jobs (generate-report-batch) need a completed tick; pass --tick
to target one explicitly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType := types.JobType(submitType)
		if !jobType.IsValid() {
			return fmt.Errorf("invalid job type %q", submitType)
		}

		job := &types.Job{
			ConversationID: args[0],
			Type:           jobType,
			Priority:       submitPriority,
			MaxRetries:     submitRetries,
			TimeoutSeconds: submitTimeout,
			Config: types.JobConfig{
				Tick: submitTick,
				Seed: submitSeed,
			},
		}
		if err := store.CreateJob(cmd.Context(), job); err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s Submitted %s job %s\n", green("✓"), cyan(string(jobType)), job.ID)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitType, "type", string(types.JobComposePipeline), "job type")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 5, "priority 0-9, larger is more urgent")
	submitCmd.Flags().IntVar(&submitRetries, "max-retries", 3, "retry budget after the first attempt")
	submitCmd.Flags().IntVar(&submitTimeout, "timeout", 300, "per-attempt timeout in seconds")
	submitCmd.Flags().IntVar(&submitTick, "tick", 0, "target tick (report jobs)")
	submitCmd.Flags().Int64Var(&submitSeed, "seed", 0, "deterministic seed for projection and clustering")
	rootCmd.AddCommand(submitCmd)
}
