package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	dryRun     bool
	jsonOutput bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "flowsync",
		Short: "flowsync - forwarding state reconciliation for SDN switches",
		Long: `flowsync pushes the desired flows, groups and meters of each switch to the
device and keeps them there.

Features:
  - Full-state, atomic bundle and incremental reconciliation
  - Group installation ordered by bucket dependencies
  - Stale entity purge before every pass
  - Snapshot admission through OPA policies
  - MQTT southbound with acknowledged commands`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "record device operations instead of sending them")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newReconcileCommand(opts))
	rootCmd.AddCommand(newPurgeCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newImportCommand(opts))
	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newRunsCommand(opts))
	rootCmd.AddCommand(newStaleCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))

	return rootCmd
}
