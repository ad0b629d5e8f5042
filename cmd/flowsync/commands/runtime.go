package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/flowsync/pkg/config"
	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/policy"
	"github.com/openfroyo/flowsync/pkg/registry"
	"github.com/openfroyo/flowsync/pkg/stores"
	"github.com/openfroyo/flowsync/pkg/telemetry"
	"github.com/openfroyo/flowsync/pkg/transports/dryrun"
	"github.com/openfroyo/flowsync/pkg/transports/mqtt"
)

// loadConfig reads the config file named by --config, or the defaults when
// none is given. --dry-run overrides the configured southbound.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if opts.dryRun {
		cfg.Southbound.Transport = config.TransportDryRun
	}
	return cfg, nil
}

// newTelemetry builds the telemetry stack. Log lines go to stderr when the
// config asks for stdout, which carries command output.
func newTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tc := cfg.Telemetry()
	if tc.Logging.Output == "stdout" {
		tc.Logging.Output = "stderr"
	}
	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

// newPolicyEngine builds the policy engine with the configured policy paths.
func newPolicyEngine(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*policy.Engine, error) {
	eng, err := policy.NewEngine(tel.Logger.Zerolog(), policy.WithEnvironment(cfg.Observability.Environment))
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// runtime is the wired reconciliation stack shared by reconcile, purge and serve.
type runtime struct {
	cfg        *config.Config
	tel        *telemetry.Telemetry
	store      *stores.SQLiteStore
	policy     *policy.Engine
	dispatcher *engine.Dispatcher
	ports      *registry.PortTable

	// Exactly one southbound is set.
	dryRun     *dryrun.Transport
	client     *mqtt.Client
	southbound *mqtt.Southbound
}

// newRuntime opens the store, connects the southbound and builds the
// dispatcher with every strategy.
func newRuntime(ctx context.Context, cfg *config.Config) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, ports: registry.NewPortTable()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if rt.tel, err = newTelemetry(cfg); err != nil {
		return nil, err
	}
	logger := rt.tel.Logger

	if rt.store, err = stores.Open(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var (
		committers engine.Committers
		bundles    engine.BundleControl
		readiness  engine.PortReadiness
	)
	switch cfg.Southbound.Transport {
	case config.TransportDryRun:
		rt.dryRun = dryrun.New(logger)
		committers = rt.dryRun.Committers()
		bundles = rt.dryRun
		readiness = rt.dryRun.Ports()
	default:
		mc := cfg.MQTT()
		if rt.client, err = mqtt.Connect(mc, rt.tel.Metrics, logger); err != nil {
			return nil, err
		}
		rt.southbound = mqtt.NewSouthbound(rt.client, mc, rt.tel.Metrics, logger)
		if err = rt.southbound.Start(); err != nil {
			return nil, err
		}
		committers = rt.southbound.Committers()
		bundles = rt.southbound
		readiness = rt.ports
	}

	var reader engine.SnapshotReader = rt.store.ConfigReader()
	if cfg.Policy.Enabled {
		if rt.policy, err = newPolicyEngine(ctx, cfg, rt.tel); err != nil {
			return nil, err
		}
		reader = policy.NewGatedReader(reader, rt.policy, logger.Zerolog(), policy.WithEventPublisher(rt.tel.Events))
	}

	rc := cfg.Reconciler()
	reconcilers := map[engine.Strategy]engine.Reconciler{
		engine.StrategyFullState: engine.NewFullStateReconciler(reader, committers, readiness, rc, logger),
		engine.StrategyBundle: engine.NewAtomicBundleReconciler(reader, bundles, committers.Meters,
			nil, rc, logger),
		engine.StrategyIncremental: engine.NewIncrementalSyncer(reader, rt.store.OperationalReader(),
			committers, rc, logger),
	}
	// Stale markers are removals only, so the purge reads the config store ungated.
	purger := engine.NewStalePurger(rt.store.ConfigReader(), committers, rt.store, rc, logger)

	rt.dispatcher, err = engine.NewDispatcher(cfg.Dispatcher(), reconcilers, purger, registry.NewRegistries(),
		engine.WithRunRecorder(rt.store),
		engine.WithMetrics(rt.tel.Metrics),
		engine.WithEvents(rt.tel.Events),
		engine.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return rt, nil
}

// instrument attaches the telemetry stack to ctx so tasks and southbound
// operations open spans.
func (rt *runtime) instrument(ctx context.Context) context.Context {
	return rt.tel.WithContext(ctx)
}

// Close releases everything the runtime holds.
func (rt *runtime) Close() {
	if rt.southbound != nil {
		rt.southbound.Close()
	}
	if rt.client != nil {
		if err := rt.client.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close MQTT client")
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if rt.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.tel.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}
}
