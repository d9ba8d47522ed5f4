package commands

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dbPath  string
	verbose bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "weft",
		Short: "Weft - Incremental Execution and State Reconciliation Engine",
		Long: `Weft drives external systems toward declared target states with
incrementality built in.

Features:
  - Component trees with stable, durable paths
  - Memoized units of work with fingerprint and freshness checks
  - Crash-safe target-state tracking records
  - Bounded-concurrency scheduling with cooperative slot release
  - Live updates on a timer or on change notification`,
		Version: version + " (commit: " + commit + ", built: " + buildDate + ")",
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "weft.db", "state database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newDropCommand())
	rootCmd.AddCommand(newLsCommand())

	return rootCmd
}
