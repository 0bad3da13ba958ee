package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/prism-engine/prism/internal/types"
)

var (
	resultsTick    int
	resultsPartial bool
)

var resultsCmd = &cobra.Command{
	Use:   "results <conversation-id>",
	Short: "Show the opinion map for a conversation",
	Long: `Show the published opinion map for a conversation: the opinion groups,
the statements most representative of each, and any narrative reports.

By default the latest tick is shown and must be complete. Pass --tick
to target a specific tick, or --partial to read artifacts from a tick
that is still being computed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conversationID := args[0]

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		tick := resultsTick
		if tick == 0 {
			latest, _, err := store.LatestTick(ctx, conversationID)
			if err != nil {
				return err
			}
			if latest == 0 {
				return fmt.Errorf("no ticks for conversation %s", conversationID)
			}
			tick = latest
		}

		completedAt, err := store.TickCompletedAt(ctx, conversationID, tick)
		if err != nil {
			return err
		}
		if completedAt == nil && !resultsPartial {
			return fmt.Errorf("tick %d is not complete yet; pass --partial to read anyway", tick)
		}

		fmt.Printf("\n%s\n\n", cyan(fmt.Sprintf("=== %s, tick %d ===", conversationID, tick)))
		if completedAt == nil {
			fmt.Printf("%s tick incomplete, showing partial artifacts\n\n", yellow("⚠"))
		} else {
			fmt.Printf("Completed %s\n\n", completedAt.Format("2006-01-02 15:04:05"))
		}

		proj, err := store.GetProjection(ctx, conversationID, tick)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
		if proj != nil {
			fmt.Printf("%s %d participants projected onto %d components\n",
				yellow("Projection:"), len(proj.Coordinates), len(proj.Components))
			for _, warn := range proj.Warnings {
				fmt.Printf("  %s %s\n", yellow("⚠"), warn)
			}
		}

		assign, err := store.GetClusters(ctx, conversationID, tick)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
		if assign == nil {
			fmt.Printf("%s not published yet\n\n", yellow("Groups:"))
			return nil
		}
		if assign.InsufficientData {
			fmt.Printf("%s too few participants for distinct groups\n", yellow("Groups:"))
		} else {
			fmt.Printf("%s k=%d (silhouette %.3f)\n", yellow("Groups:"),
				assign.K, assign.Silhouettes[assign.K])
		}

		rep, err := store.GetRepness(ctx, conversationID, tick)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
		reports, err := store.GetReports(ctx, conversationID, tick)
		if err != nil {
			return err
		}

		for _, g := range assign.Groups {
			fmt.Printf("\n  %s %d participants\n", cyan(fmt.Sprintf("Group %d:", g.ID)), len(g.MemberIDs))
			if rep != nil {
				entries := rep.ByGroup[g.ID]
				if len(entries) > 5 {
					entries = entries[:5]
				}
				for _, e := range entries {
					paint := green
					verb := "agrees"
					if e.Direction == types.Disagree {
						paint = red
						verb = "disagrees"
					}
					fmt.Printf("    %d. %s with %s  %s\n", e.Rank, paint(verb), e.StatementID,
						gray(fmt.Sprintf("(score %.2f, %d/%d votes)", e.Score, e.GroupAgrees+e.GroupDisagrees, e.GroupVotes)))
				}
			}
			if narrative, ok := reports[g.ID]; ok {
				fmt.Printf("    %s %s\n", gray("report:"), narrative)
			}
		}
		fmt.Println()
		return nil
	},
}

func init() {
	resultsCmd.Flags().IntVar(&resultsTick, "tick", 0, "tick to show (default latest)")
	resultsCmd.Flags().BoolVar(&resultsPartial, "partial", false, "allow reading an incomplete tick")
	rootCmd.AddCommand(resultsCmd)
}
