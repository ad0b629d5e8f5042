package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/flowsync/pkg/stores"
	"github.com/openfroyo/flowsync/pkg/transports/mqtt"
)

// Config is the flowsync configuration file.
type Config struct {
	// Log configures the process logger.
	Log LogConfig `yaml:"log"`

	// Store configures the SQLite config/operational store.
	Store stores.Config `yaml:"store"`

	// Engine tunes the reconcilers and the dispatcher.
	Engine EngineConfig `yaml:"engine"`

	// Southbound selects and configures the device transport.
	Southbound SouthboundConfig `yaml:"southbound"`

	// Observability configures tracing, metrics and the InfluxDB sink.
	Observability ObservabilityConfig `yaml:"telemetry"`

	// Policy configures snapshot admission.
	Policy PolicyConfig `yaml:"policy"`

	// Snapshots configures the snapshot directory served by "flowsync serve".
	Snapshots SnapshotsConfig `yaml:"snapshots"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output" validate:"required"`
}

// EngineConfig tunes the reconcilers and the dispatcher.
type EngineConfig struct {
	// Strategy selects the reconciler run for every device.
	Strategy string `yaml:"strategy" validate:"oneof=full-state bundle incremental"`

	// MaxParallel bounds the number of devices reconciled at once.
	MaxParallel int `yaml:"max_parallel" validate:"gt=0"`

	// StaleMarking runs the stale purge before every reconciliation.
	StaleMarking bool `yaml:"stale_marking"`

	// RetryOnFailure retries failed devices once a fresh operational
	// snapshot has been gathered.
	RetryOnFailure bool `yaml:"retry_on_failure"`

	MaxRetries        int           `yaml:"max_retries" validate:"gte=0"`
	DependencyWait    time.Duration `yaml:"dependency_wait" validate:"gt=0"`
	GroupWaitUnit     time.Duration `yaml:"group_wait_unit" validate:"gt=0"`
	GroupWaitCap      time.Duration `yaml:"group_wait_cap" validate:"gt=0"`
	BundleStepTimeout time.Duration `yaml:"bundle_step_timeout" validate:"gt=0"`
	MarkerBatchSize   int           `yaml:"marker_batch_size" validate:"gt=0"`

	// CyclePolicy decides the fate of a pass whose groups cannot be ordered.
	CyclePolicy string `yaml:"cycle_policy" validate:"oneof=continue abort"`

	// ForcedInstallPolicy decides the fate of a pass that force-installed groups.
	ForcedInstallPolicy string `yaml:"forced_install_policy" validate:"oneof=proceed skip-downstream"`
}

// Southbound transports.
const (
	TransportMQTT   = "mqtt"
	TransportDryRun = "dry-run"
)

// SouthboundConfig selects the device transport.
type SouthboundConfig struct {
	Transport string      `yaml:"transport" validate:"oneof=mqtt dry-run"`
	MQTT      mqtt.Config `yaml:"mqtt"`
}

// ObservabilityConfig configures tracing, metrics and the InfluxDB sink.
type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" validate:"required"`
	Environment string        `yaml:"environment"`
	Tracing     TracingConfig `yaml:"tracing"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Influx      InfluxConfig  `yaml:"influx"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path" validate:"startswith=/"`
}

// InfluxConfig configures the reconciliation history sink.
type InfluxConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url" validate:"required_if=Enabled true"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org" validate:"required_if=Enabled true"`
	Bucket        string        `yaml:"bucket" validate:"required_if=Enabled true"`
	BatchSize     int           `yaml:"batch_size" validate:"gte=0"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// PolicyConfig configures snapshot admission.
type PolicyConfig struct {
	// Enabled gates every snapshot read by the reconcilers.
	Enabled bool `yaml:"enabled"`

	// Paths lists extra .rego files or directories.
	Paths []string `yaml:"paths"`
}

// SnapshotsConfig configures the snapshot directory.
type SnapshotsConfig struct {
	// Dir holds YAML, JSON or CUE snapshot files, one device each.
	Dir string `yaml:"dir"`

	// Watch re-imports changed files and reconciles their device.
	Watch bool `yaml:"watch"`

	// Debounce delays the import after the last write to a file.
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`

	// Datastore receives the imported snapshots.
	Datastore stores.Datastore `yaml:"datastore" validate:"oneof=config operational"`
}

// ValidationError is a configuration or snapshot problem with its location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path, e.g. "groups.0.buckets".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one document.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("%d validation errors:\n  %s", len(e), strings.Join(msgs, "\n  "))
}
