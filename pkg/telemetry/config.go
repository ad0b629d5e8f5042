package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Config contains the telemetry configuration of the reconciliation service.
type Config struct {
	// ServiceName identifies the service in spans and metrics.
	ServiceName string

	// ServiceVersion is reported as a trace resource attribute.
	ServiceVersion string

	// Environment is the deployment environment, such as lab or production.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
	Influx  InfluxConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error or fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path opened for appending.
	Output string

	// Caller adds the file and line of the logging call.
	Caller bool
}

// TracingConfig configures OpenTelemetry tracing of dispatcher tasks and
// southbound operations.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector address, e.g. localhost:4317.
	Endpoint string

	// SamplingRate is the fraction of root spans kept, from 0 to 1.
	SamplingRate float64

	// ExportTimeout bounds one batch export.
	ExportTimeout time.Duration

	// Insecure disables TLS towards the collector.
	Insecure bool
}

// MetricsConfig configures the Prometheus collectors and their endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress is where the metrics endpoint is served.
	ListenAddress string

	// Path is the HTTP path of the endpoint.
	Path string

	// Namespace prefixes every metric name.
	Namespace string

	// DurationBuckets are the task duration histogram buckets in seconds.
	DurationBuckets []float64
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize is the capacity of the asynchronous event queue.
	BufferSize int

	// FlushInterval is how often queued events are delivered.
	FlushInterval time.Duration

	// MaxBatchSize is the number of queued events that triggers a delivery.
	MaxBatchSize int

	// EnableAsync queues events instead of delivering them on Publish.
	EnableAsync bool
}

// InfluxConfig configures the InfluxDB reconciliation history sink.
type InfluxConfig struct {
	// Enabled controls whether task events are written to InfluxDB.
	Enabled bool

	URL    string
	Token  string
	Org    string
	Bucket string

	// Measurement is the measurement name (default: reconciliation).
	Measurement string

	// BatchSize is the number of points per write.
	BatchSize int

	// FlushInterval is how often buffered points are written.
	FlushInterval time.Duration
}

var (
	logLevels      = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats     = []string{"console", "json"}
	traceExporters = []string{"otlp", "stdout", "none"}
)

// DefaultConfig returns the telemetry configuration used when nothing is
// configured: console logs on stdout, metrics on :9090, asynchronous events
// and no tracing or history sink.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "flowsync",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "flowsync",
			// A bundle pass may wait out three step timeouts.
			DurationBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
		Influx: InfluxConfig{
			URL:           "http://localhost:8086",
			Org:           "flowsync",
			Bucket:        "reconciliation",
			Measurement:   "reconciliation",
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ServiceName != "", "service name is required")
	check(slices.Contains(logLevels, c.Logging.Level), "invalid log level %q", c.Logging.Level)
	check(slices.Contains(logFormats, c.Logging.Format), "invalid log format %q (must be console or json)", c.Logging.Format)
	check(c.Logging.Output != "", "log output is required")

	if c.Tracing.Enabled {
		check(slices.Contains(traceExporters, c.Tracing.Exporter), "invalid trace exporter %q", c.Tracing.Exporter)
		check(c.Tracing.Exporter != "otlp" || c.Tracing.Endpoint != "", "otlp exporter requires an endpoint")
	}
	check(c.Tracing.SamplingRate >= 0 && c.Tracing.SamplingRate <= 1,
		"trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)

	check(!c.Metrics.Enabled || c.Metrics.ListenAddress != "", "metrics listen address is required when metrics are enabled")
	check(!c.Events.Enabled || c.Events.BufferSize > 0, "event buffer size must be positive, got: %d", c.Events.BufferSize)

	// The history sink is fed by task events.
	if c.Influx.Enabled {
		check(c.Events.Enabled, "influxdb sink requires events to be enabled")
		check(c.Influx.URL != "" && c.Influx.Bucket != "", "influxdb url and bucket are required when the sink is enabled")
	}

	return errors.Join(errs...)
}
