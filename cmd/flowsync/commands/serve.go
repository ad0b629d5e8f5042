package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/flowsync/pkg/config"
	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/policy"
	"github.com/openfroyo/flowsync/pkg/stores"
	"github.com/openfroyo/flowsync/pkg/transports/mqtt"
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	var reconcileOnStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation service",
		Long: `Run flowsync as a service.

The service:
  - reconciles a device whenever it connects
  - tracks port readiness reported by the devices
  - stores reported operational state and retries failed devices once fresh
    state has been gathered
  - imports changed files of the snapshot directory and reconciles their device
  - reloads policy files when they change
  - exposes Prometheus metrics`,
		Example: `  flowsync serve --config /etc/flowsync/flowsync.yaml

  # Watch snapshots and log what would be sent
  flowsync serve --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			return serve(ctx, rt, reconcileOnStart)
		},
	}

	cmd.Flags().BoolVar(&reconcileOnStart, "reconcile-on-start", true, "import the snapshot directory and reconcile every device at startup")

	return cmd
}

func serve(ctx context.Context, rt *runtime, reconcileOnStart bool) error {
	ctx = rt.instrument(ctx)
	cfg := rt.cfg
	logger := rt.tel.Logger

	if err := rt.tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if rt.client != nil {
		notifications := mqtt.NewNotifications(ctx, rt.client, cfg.MQTT().TopicPrefix, rt.dispatcher, rt.ports,
			mqtt.WithOperationalSink(func(ctx context.Context, snap *model.DeviceConfigSnapshot) error {
				return rt.store.PutSnapshot(ctx, stores.DatastoreOperational, snap)
			}),
			mqtt.WithEventPublisher(rt.tel.Events),
			mqtt.WithNotificationsLogger(logger),
		)
		if err := notifications.Start(); err != nil {
			return err
		}
	}

	loader := config.NewSnapshotLoader()
	dir := cfg.Snapshots.Dir
	dirExists := false
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		dirExists = true
	}

	if reconcileOnStart {
		if dirExists {
			snaps, err := loader.LoadDir(dir)
			if err != nil {
				return err
			}
			for _, snap := range snaps {
				if err := importSnapshot(ctx, rt, snap, dir); err != nil {
					return err
				}
			}
		}
		devices, err := rt.store.ListDevices(ctx, stores.DatastoreConfig)
		if err != nil {
			return err
		}
		go func() {
			if _, err := rt.dispatcher.ReconcileAll(ctx, devices); err != nil {
				log.Warn().Err(err).Msg("Initial reconciliation incomplete")
			}
		}()
	}

	if cfg.Snapshots.Watch && dirExists {
		watcher := config.NewSnapshotWatcher(loader, dir, cfg.Snapshots.Debounce, logger)
		err := watcher.Watch(ctx, func(path string, snap *model.DeviceConfigSnapshot, err error) {
			if err != nil {
				log.Error().Err(err).Str("file", path).Msg("Ignoring invalid snapshot file")
				return
			}
			if err := importSnapshot(ctx, rt, snap, path); err != nil {
				log.Error().Err(err).Str("file", path).Msg("Failed to import snapshot")
				return
			}
			if cfg.Snapshots.Datastore != stores.DatastoreConfig {
				return
			}
			if _, err := rt.dispatcher.Reconcile(ctx, snap.Device); err != nil {
				log.Warn().Err(err).Str("device", snap.Device.String()).Msg("Reconciliation could not be dispatched")
			}
		})
		if err != nil {
			return err
		}
	}

	if rt.policy != nil && len(cfg.Policy.Paths) > 0 {
		policyLoader := policy.NewLoader(logger.Zerolog())
		err := policyLoader.Watch(ctx, cfg.Policy.Paths, func(policies []policy.Policy) error {
			return rt.policy.ReplacePolicies(ctx, policies)
		})
		if err != nil {
			return err
		}
		defer func() { _ = policyLoader.StopWatching() }()
	}

	log.Info().
		Str("southbound", cfg.Southbound.Transport).
		Str("strategy", cfg.Engine.Strategy).
		Str("snapshots", dir).
		Msg("flowsync is serving")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}

func importSnapshot(ctx context.Context, rt *runtime, snap *model.DeviceConfigSnapshot, source string) error {
	ds := rt.cfg.Snapshots.Datastore
	if err := rt.store.PutSnapshot(ctx, ds, snap); err != nil {
		return fmt.Errorf("failed to import %s: %w", snap.Device, err)
	}
	_ = rt.tel.Events.PublishSnapshotImported(snap.Device.String(), string(ds), source)
	return nil
}
