package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/flowsync/pkg/telemetry"
)

func quietConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Events.EnableAsync = false
	return cfg
}

// Example_taskInstrumentation demonstrates instrumenting one dispatcher task.
func Example_taskInstrumentation() {
	tel, err := telemetry.NewTelemetry(quietConfig())
	if err != nil {
		panic(err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	ctx := tel.WithContext(context.Background())
	ctx = telemetry.WithTaskContext(ctx, "task-1", "openflow:1", "reconcile")

	op := telemetry.StartOperation(ctx, "full-state.groups", attribute.String("device", "openflow:1"))
	op.Logger.Info("Installing groups")
	op.End(nil)

	telemetry.EndTaskContext(ctx, "succeeded", nil)

	fmt.Println("Task instrumentation complete")
	// Output: Task instrumentation complete
}

// Example_eventFiltering demonstrates subscribing to one device's failures.
func Example_eventFiltering() {
	tel, err := telemetry.NewTelemetry(quietConfig())
	if err != nil {
		panic(err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	received := make(chan telemetry.Event, 1)
	tel.Events.Subscribe(func(event telemetry.Event) {
		received <- event
	}, telemetry.FilterByType(telemetry.EventTypeTaskFailed))

	_ = tel.Events.PublishTaskStarted("task-1", "openflow:1", "reconcile", "full-state")
	_ = tel.Events.PublishTaskFailed("task-1", "openflow:1", "reconcile did not complete")

	select {
	case event := <-received:
		fmt.Println(event.Type, event.Device)
	case <-time.After(time.Second):
		fmt.Println("no event")
	}
	// Output: task.failed openflow:1
}

// Example_tracingConfiguration demonstrates exporting task spans to a collector.
func Example_tracingConfiguration() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.2.3"
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Tracing.SamplingRate = 0.1

	cfg.Influx.Enabled = true
	cfg.Influx.URL = "http://influxdb:8086"
	cfg.Influx.Token = "example-token"

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("Tracing configuration validated")
	// Output: Tracing configuration validated
}
