package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the reconciliation engine.
type Metrics struct {
	config MetricsConfig

	// Task metrics
	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	// Entity metrics
	entityOperations *prometheus.CounterVec
	forcedGroups     prometheus.Counter
	dependencyCycles prometheus.Counter

	// Bundle metrics
	bundleOutcomes *prometheus.CounterVec

	// Purge metrics
	purgedMarkers prometheus.Counter

	// Transport metrics
	asyncFailures  *prometheus.CounterVec
	pendingAcks    prometheus.Gauge
	connectedState prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeTasks prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Task metrics
		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_started_total",
				Help:      "Total number of reconciliation tasks started",
			},
			[]string{"kind", "strategy"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of reconciliation tasks completed",
			},
			[]string{"kind", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of reconciliation tasks in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "strategy"},
		),

		// Entity metrics
		entityOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entity_operations_total",
				Help:      "Total number of entity operations issued to devices",
			},
			[]string{"entity", "operation"},
		),
		forcedGroups: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forced_group_installs_total",
				Help:      "Total number of groups installed without their preconditions",
			},
		),
		dependencyCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dependency_cycles_total",
				Help:      "Total number of groups phases abandoned on a dependency cycle",
			},
		),

		// Bundle metrics
		bundleOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bundle_commits_total",
				Help:      "Total number of bundle transactions by outcome",
			},
			[]string{"outcome"},
		),

		// Purge metrics
		purgedMarkers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_entities_purged_total",
				Help:      "Total number of stale entities removed from devices",
			},
		),

		// Transport metrics
		asyncFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_failures_total",
				Help:      "Total number of failed or timed out device operations",
			},
			[]string{"operation"},
		),
		pendingAcks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_acks",
				Help:      "Current number of device commands awaiting acknowledgement",
			},
		),
		connectedState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "southbound_connected",
				Help:      "Southbound broker connection state (1=connected, 0=disconnected)",
			},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Current number of running reconciliation tasks",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.tasksStarted,
		m.tasksCompleted,
		m.taskDuration,
		m.entityOperations,
		m.forcedGroups,
		m.dependencyCycles,
		m.bundleOutcomes,
		m.purgedMarkers,
		m.asyncFailures,
		m.pendingAcks,
		m.connectedState,
		m.errorsByClass,
		m.errorsByCode,
		m.activeTasks,
	)

	return m, nil
}

// enabled reports whether collectors exist. A nil *Metrics is disabled.
func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Task Metrics

// RecordTaskStarted increments the counter for started tasks.
func (m *Metrics) RecordTaskStarted(kind, strategy string) {
	if !m.enabled() {
		return
	}
	m.tasksStarted.WithLabelValues(kind, strategy).Inc()
	m.activeTasks.Inc()
}

// RecordTaskCompleted records a completed task with its outcome and duration.
func (m *Metrics) RecordTaskCompleted(kind, strategy, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tasksCompleted.WithLabelValues(kind, outcome).Inc()
	m.taskDuration.WithLabelValues(kind, strategy).Observe(duration.Seconds())
	m.activeTasks.Dec()
}

// Entity Metrics

// RecordEntityOperations adds count operations of one kind on one entity type.
func (m *Metrics) RecordEntityOperations(entity, operation string, count int64) {
	if !m.enabled() || count <= 0 {
		return
	}
	m.entityOperations.WithLabelValues(entity, operation).Add(float64(count))
}

// RecordForcedGroups adds count forced group installs.
func (m *Metrics) RecordForcedGroups(count int64) {
	if !m.enabled() || count <= 0 {
		return
	}
	m.forcedGroups.Add(float64(count))
}

// RecordDependencyCycles adds count abandoned groups phases.
func (m *Metrics) RecordDependencyCycles(count int64) {
	if !m.enabled() || count <= 0 {
		return
	}
	m.dependencyCycles.Add(float64(count))
}

// RecordBundleOutcome records one bundle transaction.
func (m *Metrics) RecordBundleOutcome(outcome string) {
	if !m.enabled() {
		return
	}
	m.bundleOutcomes.WithLabelValues(outcome).Inc()
}

// RecordPurged adds count stale entity removals.
func (m *Metrics) RecordPurged(count int64) {
	if !m.enabled() || count <= 0 {
		return
	}
	m.purgedMarkers.Add(float64(count))
}

// Transport Metrics

// RecordAsyncFailure records a failed or timed out device operation.
func (m *Metrics) RecordAsyncFailure(operation string) {
	if !m.enabled() {
		return
	}
	m.asyncFailures.WithLabelValues(operation).Inc()
}

// SetPendingAcks sets the number of commands awaiting acknowledgement.
func (m *Metrics) SetPendingAcks(count float64) {
	if !m.enabled() {
		return
	}
	m.pendingAcks.Set(count)
}

// SetConnected records the southbound connection state.
func (m *Metrics) SetConnected(connected bool) {
	if !m.enabled() {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.connectedState.Set(value)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetActiveTasks sets the current number of running tasks.
func (m *Metrics) SetActiveTasks(count float64) {
	if !m.enabled() {
		return
	}
	m.activeTasks.Set(count)
}

// Registry returns the registry the collectors are registered with, or nil
// when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer binds the listen address and serves the metrics
// endpoint in the background. A bind failure is returned.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() || !m.config.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
