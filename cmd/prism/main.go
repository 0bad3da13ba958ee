package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/prism-engine/prism/internal/config"
	"github.com/prism-engine/prism/internal/storage"
)

var version = "0.1.0"

// Shared across subcommands, initialized by the persistent pre-run.
var (
	cfgPath string
	cfg     *config.Config
	store   storage.Store
)

var rootCmd = &cobra.Command{
	Use:   "prism",
	Short: "Incremental opinion-map analytics engine",
	Long: `Prism ingests votes from public consultations and incrementally derives
opinion maps: a low-dimensional projection of participants, opinion
groups, and the statements that most distinguish each group.

Analysis runs as jobs in a shared SQLite ledger. Any number of worker
processes can poll the same ledger; conditional updates guarantee each
job runs exactly once.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		store, err = storage.NewStore(cmd.Context(), &storage.Config{Path: cfg.Database.Path})
		if err != nil {
			return fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if store != nil {
			return store.Close()
		}
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default prism.yaml, or $PRISM_CONFIG)")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
