package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrTaskID      = attribute.Key("task.id")
	AttrTaskKind    = attribute.Key("task.kind")
	AttrOutcome     = attribute.Key("task.outcome")
	AttrDevice      = attribute.Key("device")
	AttrTransportOp = attribute.Key("transport.operation")
)

// Tracer opens the spans of dispatcher tasks, reconciliation phases and
// southbound operations.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates the tracer described by cfg. A disabled tracer hands out
// non-recording spans.
func NewTracer(cfg *Config) (*Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SamplingRate))),
	}

	var exporter sdktrace.SpanExporter
	switch tc.Exporter {
	case "otlp":
		grpcOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(tc.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(cfg.ServiceName + "/" + cfg.ServiceVersion)),
		}
		if tc.Insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		exporter, err = otlptracegrpc.New(context.Background(), grpcOpts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", tc.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", tc.Exporter, err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(tc.ExportTimeout)))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

// StartSpan starts a span named operation.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartTaskSpan starts the root span of one dispatcher task.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskID, device, kind string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "task."+kind,
		AttrTaskID.String(taskID),
		AttrDevice.String(device),
		AttrTaskKind.String(kind),
	)
}

// StartTransportSpan starts a span for one southbound device operation.
func (t *Tracer) StartTransportSpan(ctx context.Context, device, operation string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "southbound."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrDevice.String(device), AttrTransportOp.String(operation)),
	)
}

// Shutdown exports pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// endSpan sets the span status from err and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
