// Package telemetry provides observability instrumentation for the flow
// reconciliation service.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), event publishing and an optional
// InfluxDB history sink into one system.
//
// # Architecture
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with OTLP or stdout exporters
//  3. Metrics Collection - Prometheus collectors for tasks and device operations
//  4. Event Publishing - Async event system for task and device notifications
//  5. History - Task events written as InfluxDB points
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("full-state")
//	logger = logger.WithDevice("openflow:1").WithPhase("groups")
//	logger.Info("Installing groups")
//
// A nil-free Nop logger is available for components constructed without one:
//
//	logger := telemetry.NewNopLogger()
//
// # Tracing
//
// StartOperation wraps a unit of work in a span when telemetry is in the
// context and only carries the context logger otherwise:
//
//	op := telemetry.StartOperation(ctx, "full-state.groups",
//	    attribute.String("device", device))
//	defer op.End(err)
//
// Dispatcher tasks use WithTaskContext and EndTaskContext; southbound calls
// use RecordTransportOperation.
//
// # Metrics
//
// Every Metrics method is safe on a nil or disabled instance:
//
//	tel.Metrics.RecordTaskStarted("reconcile", "full-state")
//	tel.Metrics.RecordEntityOperations("group", "add", 12)
//	tel.Metrics.RecordForcedGroups(1)
//
// Key metrics exposed (default namespace flowsync):
//
//   - flowsync_tasks_started_total{kind,strategy}
//   - flowsync_tasks_completed_total{kind,outcome}
//   - flowsync_task_duration_seconds{kind,strategy}
//   - flowsync_entity_operations_total{entity,operation}
//   - flowsync_forced_group_installs_total
//   - flowsync_dependency_cycles_total
//   - flowsync_bundle_commits_total{outcome}
//   - flowsync_stale_entities_purged_total
//   - flowsync_async_failures_total{operation}
//   - flowsync_pending_acks
//   - flowsync_southbound_connected
//
// # Events
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s %s\n", event.Type, event.Device)
//	}, telemetry.FilterByType(telemetry.EventTypeTaskFailed))
//
// Event filters: FilterByLevel, FilterByType, FilterByTaskID, FilterByDevice
//
// # Graceful Shutdown
//
// Shutdown flushes buffered events, closes the history sink, exports pending
// spans and stops the metrics server, in that order.
package telemetry
