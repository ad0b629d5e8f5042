package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/stores"
)

func newRunsCommand(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "runs [device]",
		Short: "List recorded reconciliation runs",
		Example: `  # Latest runs of all devices
  flowsync runs

  # Latest 5 runs of one device as JSON
  flowsync runs openflow:1 --limit 5 --json

  # One run in detail
  flowsync runs show 1b4e28ba-2fa1-11d2-883f-0016d3cca427`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			var device model.DeviceID
			if len(args) > 0 {
				device = model.DeviceID(args[0])
			}

			runs, err := store.ListRuns(cmd.Context(), device, limit, offset)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	cmd.AddCommand(newRunsShowCommand(opts))
	cmd.AddCommand(newRunsPruneCommand(opts))

	return cmd
}

func newRunsShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, run)
			}
			printRun(out, run)
			return nil
		},
	}
}

func newRunsPruneCommand(opts *globalOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old run records",
		Example: `  # Keep the last 30 days
  flowsync runs prune --older-than 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			store, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			cutoff := time.Now().Add(-olderThan)
			n, err := store.DeleteRunsBefore(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs started before %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the runs to delete")

	return cmd
}

// openStore opens the configured store for commands that need nothing else.
func openStore(cmd *cobra.Command, opts *globalOptions) (*stores.SQLiteStore, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	store, err := stores.Open(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}
