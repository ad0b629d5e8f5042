package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics, events and history sink of
// one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Influx  *InfluxSink
	Config  *Config
}

type (
	telemetryContextKey struct{}
	taskKey             struct{}
)

// NewTelemetry validates cfg and builds every component. The history sink is
// attached to the event publisher when enabled.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error

	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	if cfg.Influx.Enabled {
		if t.Influx, err = NewInfluxSink(cfg.Influx, t.Logger); err != nil {
			return nil, err
		}
		t.Influx.Attach(t.Events)
	}

	return t, nil
}

// WithContext stores the telemetry and its logger in ctx. Dispatcher tasks
// and southbound operations run under such a context open spans.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown delivers queued events, closes the history sink, exports pending
// spans and stops the metrics server. Every step runs even when an earlier
// one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	errs := []error{t.Events.Shutdown(ctx)}
	if t.Influx != nil {
		errs = append(errs, t.Influx.Close())
	}
	errs = append(errs,
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
		t.Logger.Close(),
	)
	return errors.Join(errs...)
}

// StartMetricsServer serves the metrics endpoint when metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Operation is one traced unit of work of a reconciliation pass.
type Operation struct {
	Ctx    context.Context
	Logger *Logger
	span   trace.Span
}

// StartOperation opens a span named operation when ctx carries telemetry.
// Without telemetry the returned operation only carries ctx and its logger.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &Operation{Ctx: ctx, Logger: FromContext(ctx)}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	logger := FromContext(ctx).WithField("operation", operation)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}

	return &Operation{Ctx: spanCtx, Logger: logger, span: span}
}

// End closes the operation span with the status implied by err.
func (op *Operation) End(err error) {
	if op.span != nil {
		endSpan(op.span, err)
	}
}

// task is the span and start time of the dispatcher task running under a context.
type task struct {
	span    trace.Span
	started time.Time
}

// WithTaskContext opens the span of one dispatcher task and stores a logger
// tagged with the task in ctx. ctx is returned unchanged without telemetry.
func WithTaskContext(ctx context.Context, taskID, device, kind string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	ctx, span := tel.Tracer.StartTaskSpan(ctx, taskID, device, kind)
	ctx = tel.Logger.WithTaskID(taskID).WithDevice(device).WithField("kind", kind).WithContext(ctx)
	return context.WithValue(ctx, taskKey{}, &task{span: span, started: time.Now()})
}

// EndTaskContext ends the task span opened by WithTaskContext and returns the
// task duration, or zero when ctx carries no task.
func EndTaskContext(ctx context.Context, outcome string, err error) time.Duration {
	t, ok := ctx.Value(taskKey{}).(*task)
	if !ok {
		return 0
	}
	t.span.SetAttributes(AttrOutcome.String(outcome))
	endSpan(t.span, err)
	return time.Since(t.started)
}

// RecordTransportOperation runs fn inside a southbound span and counts its
// failure. fn runs the same way without telemetry in ctx.
func RecordTransportOperation(ctx context.Context, device, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartTransportSpan(ctx, device, operation)
	err := fn(ctx)
	if err != nil {
		tel.Metrics.RecordAsyncFailure(operation)
	}
	endSpan(span, err)
	return err
}
