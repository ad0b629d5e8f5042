package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/flowsync/pkg/config"
	"github.com/openfroyo/flowsync/pkg/stores"
)

func newImportCommand(opts *globalOptions) *cobra.Command {
	var datastore string

	cmd := &cobra.Command{
		Use:   "import <snapshot-file|dir>...",
		Short: "Load snapshots into the store",
		Long: `Validate snapshot files and write them into the config or operational
datastore. Each snapshot replaces everything the datastore held for its device.`,
		Example: `  # Desired state of every device in a directory
  flowsync import snapshots/

  # What a device reported, for incremental reconciliation
  flowsync import --datastore operational openflow-1-state.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			ds := cfg.Snapshots.Datastore
			if datastore != "" {
				ds = stores.Datastore(datastore)
			}
			if err := ds.Validate(); err != nil {
				return err
			}

			snaps, err := loadSnapshots(config.NewSnapshotLoader(), args)
			if err != nil {
				printValidationErrors(cmd.OutOrStdout(), err)
				return fmt.Errorf("nothing imported")
			}

			tel, err := newTelemetry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(cmd.Context()) }()

			store, err := stores.Open(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()

			for _, snap := range snaps {
				if err := store.PutSnapshot(cmd.Context(), ds, snap); err != nil {
					return fmt.Errorf("failed to import %s: %w", snap.Device, err)
				}
				_ = tel.Events.PublishSnapshotImported(snap.Device.String(), string(ds), "cli")
				log.Debug().Str("device", snap.Device.String()).Str("datastore", string(ds)).Msg("Snapshot imported")
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d flows, %d groups, %d meters, %d stale) into %s\n",
					color.GreenString("imported"), snap.Device, snap.FlowCount(), len(snap.Groups),
					len(snap.Meters), snap.StaleCount(), ds)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&datastore, "datastore", "", "target datastore (config or operational)")

	return cmd
}
