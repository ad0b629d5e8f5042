package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/registry"
	"github.com/openfroyo/flowsync/pkg/telemetry"
)

// Dispatcher runs reconciliation tasks on a bounded pool, at most one task per
// device at a time. Concurrent requests of the same kind for a device that is
// already being worked on share the running task.
type Dispatcher struct {
	// cfg holds the pool size, the strategy and the purge and retry switches.
	cfg DispatcherConfig

	// reconcilers maps each strategy to its reconciler.
	reconcilers map[Strategy]Reconciler

	// purger runs stale purges, before reconciliations or on their own.
	purger Reconciler

	// registries is the coordination state shared with notification handlers.
	registries *registry.Registries

	// owner filters devices this instance is not responsible for.
	owner OwnershipOracle

	// recorder persists finished tasks.
	recorder RunRecorder

	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	logger  *telemetry.Logger

	// pool bounds the number of devices worked on at once.
	pool *semaphore.Weighted

	// flights deduplicates concurrent requests per kind and device.
	flights singleflight.Group

	// mu protects inflight and devices.
	mu sync.Mutex

	// inflight holds the task running under each flights key. An entry exists
	// exactly as long as its flights call does.
	inflight map[string]*flight

	// devices holds a one-slot semaphore per device while some task holds or
	// waits for it.
	devices map[model.DeviceID]*deviceSlot
}

// flight is a task shared by every caller that dispatched the same kind for the
// same device while it ran. Its context ends once no caller waits any more.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// deviceSlot serializes the tasks of one device. refs counts the tasks holding
// or waiting for sem.
type deviceSlot struct {
	sem  *semaphore.Weighted
	refs int
}

// DispatcherOption configures optional collaborators of a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithOwnershipOracle skips devices the oracle does not assign to this instance.
func WithOwnershipOracle(owner OwnershipOracle) DispatcherOption {
	return func(d *Dispatcher) { d.owner = owner }
}

// WithRunRecorder persists every finished task.
func WithRunRecorder(recorder RunRecorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = recorder }
}

// WithMetrics feeds task results into metrics.
func WithMetrics(metrics *telemetry.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = metrics }
}

// WithEvents publishes task events.
func WithEvents(events *telemetry.EventPublisher) DispatcherOption {
	return func(d *Dispatcher) { d.events = events }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *telemetry.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a dispatcher. reconcilers must hold an entry for the
// configured strategy; purger may be nil when stale marking is disabled.
func NewDispatcher(cfg DispatcherConfig, reconcilers map[Strategy]Reconciler, purger Reconciler,
	registries *registry.Registries, opts ...DispatcherOption) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewPermanentError("invalid dispatcher configuration", err).WithCode(ErrCodeValidation)
	}
	if _, ok := reconcilers[cfg.Strategy]; !ok {
		return nil, NewPermanentError(fmt.Sprintf("no reconciler for strategy %s", cfg.Strategy), nil).
			WithCode(ErrCodeValidation)
	}
	if cfg.StaleMarkingEnabled && purger == nil {
		return nil, NewPermanentError("stale marking enabled without a purger", nil).WithCode(ErrCodeValidation)
	}
	if registries == nil {
		registries = registry.NewRegistries()
	}

	d := &Dispatcher{
		cfg:         cfg,
		reconcilers: reconcilers,
		purger:      purger,
		registries:  registries,
		pool:        semaphore.NewWeighted(int64(cfg.MaxParallel)),
		inflight:    make(map[string]*flight),
		devices:     make(map[model.DeviceID]*deviceSlot),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = telemetry.NewNopLogger()
	}
	d.logger = d.logger.NewComponentLogger("dispatcher")

	return d, nil
}

// Registries returns the coordination registries used by the dispatcher.
func (d *Dispatcher) Registries() *registry.Registries {
	return d.registries
}

// Reconcile runs a reconciliation task for device, preceded by a stale purge
// when stale marking is enabled. The returned error reports only that the task
// could not be run; a pass that ran and failed yields a Run with a failed outcome.
func (d *Dispatcher) Reconcile(ctx context.Context, device model.DeviceID) (*Run, error) {
	return d.dispatch(ctx, device, TaskKindReconcile)
}

// Purge runs a stale purge task for device.
func (d *Dispatcher) Purge(ctx context.Context, device model.DeviceID) (*Run, error) {
	if d.purger == nil {
		return nil, NewPermanentError("no purger configured", nil).WithCode(ErrCodeValidation)
	}
	return d.dispatch(ctx, device, TaskKindPurge)
}

// ReconcileAll reconciles devices in parallel within the pool bound. Runs are
// returned in the order of devices; the first dispatch error cancels the rest.
func (d *Dispatcher) ReconcileAll(ctx context.Context, devices []model.DeviceID) ([]*Run, error) {
	runs := make([]*Run, len(devices))

	g, gctx := errgroup.WithContext(ctx)
	for i, device := range devices {
		g.Go(func() error {
			run, err := d.Reconcile(gctx, device)
			if err != nil {
				return fmt.Errorf("failed to reconcile %s: %w", device, err)
			}
			runs[i] = run
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return runs, err
	}
	return runs, nil
}

// RetryIfFresh re-runs the reconciliation of device if it failed earlier and
// the operational snapshot reported now was gathered after that failure. It
// reports whether a retry was started. The retry runs in the background.
func (d *Dispatcher) RetryIfFresh(ctx context.Context, device model.DeviceID, gatheringSucceeded bool, completedAt time.Time) bool {
	if !d.registries.PendingRetry.IsRegistered(device) {
		return false
	}
	if !d.registries.PendingFresh.ConsumeIfFresh(device, gatheringSucceeded, completedAt) {
		return false
	}
	d.registries.PendingRetry.UnregisterIfRegistered(device)

	d.logger.WithDevice(device.String()).Info("Fresh operational snapshot, retrying reconciliation")
	go func() {
		if _, err := d.Reconcile(context.WithoutCancel(ctx), device); err != nil {
			d.logger.WithDevice(device.String()).WithError(err).Warn("Retry could not be dispatched")
		}
	}()
	return true
}

// dispatch runs the task of kind for device or joins the one already running.
// The task runs detached from ctx; it is cancelled only when every caller
// waiting for it has given up.
func (d *Dispatcher) dispatch(ctx context.Context, device model.DeviceID, kind TaskKind) (*Run, error) {
	key := string(kind) + "/" + string(device)
	f, results, joined := d.join(ctx, key, device, kind)
	defer d.leave(f)

	if joined {
		d.logger.WithDevice(device.String()).WithField("kind", string(kind)).Debug("Joined in-flight task")
	}

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Run), nil
	case <-ctx.Done():
		return nil, NewTransientError("cancelled waiting for task", ctx.Err()).
			WithCode(ErrCodeCancelled).WithDevice(device.String())
	}
}

func (d *Dispatcher) join(ctx context.Context, key string, device model.DeviceID, kind TaskKind) (*flight, <-chan singleflight.Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, joined := d.inflight[key]
	if joined && f.ctx.Err() != nil {
		// Every caller left the running task; it is winding down.
		d.flights.Forget(key)
		joined = false
	}
	if !joined {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		d.inflight[key] = f
	}
	f.waiters++

	// DoChan runs the function on its own goroutine, so holding mu here is safe.
	results := d.flights.DoChan(key, func() (interface{}, error) {
		defer d.land(key, f)
		return d.runTask(f.ctx, device, kind)
	})
	return f, results, joined
}

// land ends the flight of key so that the next dispatch starts a new task.
func (d *Dispatcher) land(key string, f *flight) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[key] == f {
		delete(d.inflight, key)
		d.flights.Forget(key)
	}
}

func (d *Dispatcher) leave(f *flight) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f.waiters--
	if f.waiters == 0 {
		f.cancel()
	}
}

// acquireDevice waits for the device's slot and returns its release function.
func (d *Dispatcher) acquireDevice(ctx context.Context, device model.DeviceID) (func(), error) {
	d.mu.Lock()
	slot, ok := d.devices[device]
	if !ok {
		slot = &deviceSlot{sem: semaphore.NewWeighted(1)}
		d.devices[device] = slot
	}
	slot.refs++
	d.mu.Unlock()

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		d.dropSlot(device, slot)
		return nil, err
	}
	return func() {
		slot.sem.Release(1)
		d.dropSlot(device, slot)
	}, nil
}

func (d *Dispatcher) dropSlot(device model.DeviceID, slot *deviceSlot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot.refs--
	if slot.refs == 0 && d.devices[device] == slot {
		delete(d.devices, device)
	}
}

func (d *Dispatcher) runTask(ctx context.Context, device model.DeviceID, kind TaskKind) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Device:    device,
		Kind:      kind,
		StartedAt: time.Now(),
	}
	if kind == TaskKindReconcile {
		run.Strategy = d.cfg.Strategy
	}
	logger := d.logger.WithTaskID(run.ID).WithDevice(device.String())

	if d.owner != nil && !d.owner.IsOwner(device) {
		logger.Debug("Device not owned by this instance, skipping")
		run.Kind = TaskKindSkipped
		run.Outcome = OutcomeSkipped
		d.finish(ctx, run, logger)
		return run, nil
	}

	release, err := d.acquireDevice(ctx, device)
	if err != nil {
		return nil, NewTransientError("cancelled waiting for device", err).
			WithCode(ErrCodeCancelled).WithDevice(device.String())
	}
	defer release()

	if err := d.pool.Acquire(ctx, 1); err != nil {
		return nil, NewTransientError("cancelled waiting for a worker", err).
			WithCode(ErrCodeCancelled).WithDevice(device.String())
	}
	defer d.pool.Release(1)

	run.StartedAt = time.Now()
	d.metrics.RecordTaskStarted(string(run.Kind), string(run.Strategy))
	_ = d.events.PublishTaskStarted(run.ID, device.String(), string(run.Kind), string(run.Strategy))

	ctx = telemetry.WithTaskContext(ctx, run.ID, device.String(), string(kind))

	counters := NewSyncCounters()
	var ok bool

	switch kind {
	case TaskKindPurge:
		ok = d.purger.Reconcile(ctx, device, counters)
	default:
		ok = d.reconcile(ctx, device, counters, logger)
	}

	run.Summary = SummaryOf(counters)
	run.Outcome = OutcomeOf(ok)
	var taskErr error
	if !ok {
		taskErr = fmt.Errorf("%s of %s did not complete", kind, device)
	}
	telemetry.EndTaskContext(ctx, string(run.Outcome), taskErr)

	d.finish(ctx, run, logger)
	return run, nil
}

// reconcile runs the optional purge and the configured strategy while the
// device is registered as pending reconciliation.
func (d *Dispatcher) reconcile(ctx context.Context, device model.DeviceID, counters *SyncCounters, logger *telemetry.Logger) bool {
	d.registries.PendingReconciliation.Register(device)
	defer d.registries.PendingReconciliation.UnregisterIfRegistered(device)

	if d.cfg.StaleMarkingEnabled {
		d.purger.Reconcile(ctx, device, counters)
	}

	ok := d.reconcilers[d.cfg.Strategy].Reconcile(ctx, device, counters)

	if d.cfg.Strategy == StrategyBundle {
		d.metrics.RecordBundleOutcome(string(OutcomeOf(ok)))
	}

	if !ok && d.cfg.RetryOnFailure {
		now := d.registries.PendingRetry.Register(device)
		d.registries.PendingFresh.RegisterAt(device, now)
		logger.Warn("Reconciliation did not complete, retry pending a fresh operational snapshot")
	} else if ok {
		d.registries.PendingRetry.UnregisterIfRegistered(device)
		d.registries.PendingFresh.UnregisterIfRegistered(device)
	}

	return ok
}

// finish records the run and reports it to metrics and events.
func (d *Dispatcher) finish(ctx context.Context, run *Run, logger *telemetry.Logger) {
	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	if run.Outcome != OutcomeSkipped {
		s := run.Summary
		d.metrics.RecordTaskCompleted(string(run.Kind), string(run.Strategy), string(run.Outcome), run.Duration)
		d.metrics.RecordEntityOperations("flow", "add", s.FlowsAdded)
		d.metrics.RecordEntityOperations("flow", "update", s.FlowsUpdated)
		d.metrics.RecordEntityOperations("flow", "remove", s.FlowsRemoved)
		d.metrics.RecordEntityOperations("group", "add", s.GroupsAdded)
		d.metrics.RecordEntityOperations("group", "update", s.GroupsUpdated)
		d.metrics.RecordEntityOperations("group", "remove", s.GroupsRemoved)
		d.metrics.RecordEntityOperations("meter", "add", s.MetersAdded)
		d.metrics.RecordEntityOperations("meter", "update", s.MetersUpdated)
		d.metrics.RecordEntityOperations("meter", "remove", s.MetersRemoved)
		d.metrics.RecordForcedGroups(s.ForcedGroups)
		d.metrics.RecordDependencyCycles(s.CyclesDetected)

		removed := s.FlowsRemoved + s.GroupsRemoved + s.MetersRemoved
		if run.Kind == TaskKindPurge {
			d.metrics.RecordPurged(removed)
			_ = d.events.PublishPurgeCompleted(run.ID, run.Device.String(), removed)
		}
		if s.ForcedGroups > 0 {
			_ = d.events.PublishGroupsForced(run.ID, run.Device.String(), s.ForcedGroups)
		}
		if s.CyclesDetected > 0 {
			_ = d.events.PublishDependencyCycle(run.ID, run.Device.String())
		}

		if run.Outcome == OutcomeFailed {
			_ = d.events.PublishTaskFailed(run.ID, run.Device.String(), fmt.Sprintf("%s did not complete", run.Kind))
		} else {
			_ = d.events.PublishTaskCompleted(run.ID, run.Device.String(), string(run.Outcome), run.Duration,
				map[string]interface{}{"forced_groups": s.ForcedGroups})
		}
	}

	logger.WithFields(map[string]interface{}{
		"kind":     run.Kind,
		"outcome":  run.Outcome,
		"duration": run.Duration.String(),
	}).Info("Task finished")

	if d.recorder != nil {
		if err := d.recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
			logger.WithError(err).Warn("Failed to record run")
		}
	}
}
