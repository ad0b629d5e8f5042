package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/stores"
)

func newReconcileCommand(opts *globalOptions) *cobra.Command {
	var (
		all      bool
		strategy string
	)

	cmd := &cobra.Command{
		Use:   "reconcile [device...]",
		Short: "Push the desired state of devices",
		Long: `Reconcile devices once against the config datastore.

Each device gets a stale purge first when stale marking is enabled, then a
pass of the configured strategy:
  - full-state: meters, table features, groups in dependency order, flows
  - bundle: one atomic bundle replacing all flows and groups
  - incremental: only the difference to the operational datastore`,
		Example: `  # Reconcile one device
  flowsync reconcile openflow:1

  # Reconcile every device in the config datastore without touching them
  flowsync reconcile --all --dry-run

  # Use the bundle strategy for this run
  flowsync reconcile --strategy bundle openflow:1 openflow:2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("name at least one device or use --all")
			}

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if strategy != "" {
				cfg.Engine.Strategy = strategy
			}

			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			devices := toDeviceIDs(args)
			if all {
				if devices, err = rt.store.ListDevices(cmd.Context(), stores.DatastoreConfig); err != nil {
					return err
				}
			}

			log.Info().
				Int("devices", len(devices)).
				Str("strategy", cfg.Engine.Strategy).
				Bool("dry_run", rt.dryRun != nil).
				Msg("Reconciling devices")

			runs, err := rt.dispatcher.ReconcileAll(rt.instrument(cmd.Context()), devices)
			if err != nil {
				return err
			}

			return reportRuns(cmd, opts, rt, runs)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "reconcile every device in the config datastore")
	cmd.Flags().StringVar(&strategy, "strategy", "", "override the configured strategy (full-state, bundle, incremental)")

	return cmd
}

// reportRuns prints runs and the dry-run operations, and fails when any run failed.
func reportRuns(cmd *cobra.Command, opts *globalOptions, rt *runtime, runs []*engine.Run) error {
	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		if err := printJSON(out, runs); err != nil {
			return err
		}
	} else {
		printRuns(out, runs)
		if rt.dryRun != nil {
			printOperations(out, rt.dryRun.Operations())
		}
	}

	failed := 0
	for _, run := range runs {
		if run != nil && run.Outcome == engine.OutcomeFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d devices failed to reconcile", failed, len(runs))
	}
	return nil
}
