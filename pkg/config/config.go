package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/stores"
	"github.com/openfroyo/flowsync/pkg/telemetry"
	"github.com/openfroyo/flowsync/pkg/transports/mqtt"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Default returns a configuration with every field set: a local SQLite file,
// full-state reconciliation, the MQTT southbound on a local broker and
// metrics on :9090.
func Default() *Config {
	rc := engine.DefaultReconcilerConfig()
	dc := engine.DefaultDispatcherConfig()
	tc := telemetry.DefaultConfig()

	return &Config{
		Log: LogConfig{
			Level:  tc.Logging.Level,
			Format: tc.Logging.Format,
			Output: tc.Logging.Output,
		},
		Store: stores.Config{
			Path:            "flowsync.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		Engine: EngineConfig{
			Strategy:            string(dc.Strategy),
			MaxParallel:         dc.MaxParallel,
			StaleMarking:        dc.StaleMarkingEnabled,
			RetryOnFailure:      dc.RetryOnFailure,
			MaxRetries:          rc.MaxRetries,
			DependencyWait:      rc.DependencyWait,
			GroupWaitUnit:       rc.GroupWaitUnit,
			GroupWaitCap:        rc.GroupWaitCap,
			BundleStepTimeout:   rc.BundleStepTimeout,
			MarkerBatchSize:     rc.MarkerBatchSize,
			CyclePolicy:         string(rc.CyclePolicy),
			ForcedInstallPolicy: string(rc.ForcedInstallPolicy),
		},
		Southbound: SouthboundConfig{
			Transport: TransportMQTT,
			MQTT:      mqtt.DefaultConfig(),
		},
		Observability: ObservabilityConfig{
			ServiceName: tc.ServiceName,
			Environment: tc.Environment,
			Tracing: TracingConfig{
				Enabled:      tc.Tracing.Enabled,
				Exporter:     tc.Tracing.Exporter,
				Endpoint:     tc.Tracing.Endpoint,
				SamplingRate: tc.Tracing.SamplingRate,
				Insecure:     tc.Tracing.Insecure,
			},
			Metrics: MetricsConfig{
				Enabled:       tc.Metrics.Enabled,
				ListenAddress: tc.Metrics.ListenAddress,
				Path:          tc.Metrics.Path,
			},
			Influx: InfluxConfig{
				Enabled:       tc.Influx.Enabled,
				URL:           tc.Influx.URL,
				Org:           tc.Influx.Org,
				Bucket:        tc.Influx.Bucket,
				BatchSize:     tc.Influx.BatchSize,
				FlushInterval: tc.Influx.FlushInterval,
			},
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Snapshots: SnapshotsConfig{
			Dir:       "snapshots",
			Watch:     true,
			Debounce:  500 * time.Millisecond,
			Datastore: stores.DatastoreConfig,
		},
	}
}

// Load reads the YAML configuration at path over Default and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			for i := range verrs {
				verrs[i].File = path
			}
			return nil, verrs
		}
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the field constraints. The error is ValidationErrors when
// fields are invalid.
func (c *Config) Validate() error {
	err := configValidator().Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	verrs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		verrs = append(verrs, ValidationError{
			Path:    fe.Namespace(),
			Message: fieldMessage(fe),
		})
	}
	return verrs
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got: %v", fe.Param(), fe.Value())
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("must be %s %s, got: %v", fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %q, got: %v", fe.Tag(), fe.Value())
	}
}

// Telemetry returns the telemetry configuration: the defaults with the
// logging and observability sections applied.
func (c *Config) Telemetry() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = c.Observability.ServiceName
	tc.Environment = c.Observability.Environment

	tc.Logging.Level = c.Log.Level
	tc.Logging.Format = c.Log.Format
	tc.Logging.Output = c.Log.Output

	tr := c.Observability.Tracing
	tc.Tracing.Enabled = tr.Enabled
	tc.Tracing.Exporter = tr.Exporter
	tc.Tracing.Endpoint = tr.Endpoint
	tc.Tracing.SamplingRate = tr.SamplingRate
	tc.Tracing.Insecure = tr.Insecure

	m := c.Observability.Metrics
	tc.Metrics.Enabled = m.Enabled
	tc.Metrics.ListenAddress = m.ListenAddress
	tc.Metrics.Path = m.Path

	tc.Influx = c.Influx()
	return tc
}

// Influx returns the InfluxDB sink configuration.
func (c *Config) Influx() telemetry.InfluxConfig {
	ic := telemetry.DefaultConfig().Influx
	in := c.Observability.Influx
	ic.Enabled = in.Enabled
	ic.URL = in.URL
	ic.Token = in.Token
	ic.Org = in.Org
	ic.Bucket = in.Bucket
	if in.BatchSize > 0 {
		ic.BatchSize = in.BatchSize
	}
	if in.FlushInterval > 0 {
		ic.FlushInterval = in.FlushInterval
	}
	return ic
}

// Reconciler returns the reconciler tuning.
func (c *Config) Reconciler() engine.ReconcilerConfig {
	e := c.Engine
	return engine.ReconcilerConfig{
		MaxRetries:          e.MaxRetries,
		DependencyWait:      e.DependencyWait,
		GroupWaitUnit:       e.GroupWaitUnit,
		GroupWaitCap:        e.GroupWaitCap,
		BundleStepTimeout:   e.BundleStepTimeout,
		MarkerBatchSize:     e.MarkerBatchSize,
		CyclePolicy:         engine.CyclePolicy(e.CyclePolicy),
		ForcedInstallPolicy: engine.ForcedInstallPolicy(e.ForcedInstallPolicy),
	}
}

// Dispatcher returns the dispatcher configuration.
func (c *Config) Dispatcher() engine.DispatcherConfig {
	return engine.DispatcherConfig{
		MaxParallel:         c.Engine.MaxParallel,
		Strategy:            engine.Strategy(c.Engine.Strategy),
		StaleMarkingEnabled: c.Engine.StaleMarking,
		RetryOnFailure:      c.Engine.RetryOnFailure,
	}
}

// MQTT returns the MQTT southbound configuration.
func (c *Config) MQTT() mqtt.Config {
	return c.Southbound.MQTT
}

// DryRun reports whether the southbound records instead of sending.
func (c *Config) DryRun() bool {
	return c.Southbound.Transport == TransportDryRun
}
