package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the prism database",
	Long: `Initialize the prism SQLite database at the configured path.

The database holds the vote feed, the job ledger, the tick ledger, and
all published analytics results. Running init on an existing database
is harmless; the schema is created only if missing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// The persistent pre-run already opened (and thereby created) the
		// database; this command exists so first-time setup has an explicit
		// step with visible output.
		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("\n%s Initialized prism database\n\n", green("✓"))
		fmt.Printf("  Database: %s\n", cyan(cfg.Database.Path))
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
