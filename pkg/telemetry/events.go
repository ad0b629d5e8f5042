package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by the reconciliation engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// TaskID is the associated dispatcher task, if applicable.
	TaskID string `json:"task_id,omitempty"`

	// Device is the associated device, if applicable.
	Device string `json:"device,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeTaskStarted      = "task.started"
	EventTypeTaskCompleted    = "task.completed"
	EventTypeTaskFailed       = "task.failed"
	EventTypeGroupsForced     = "group.forced"
	EventTypeDependencyCycle  = "group.cycle"
	EventTypePurgeCompleted   = "purge.completed"
	EventTypeDeviceStatus     = "device.status"
	EventTypePolicyViolation  = "policy.violation"
	EventTypeSnapshotImported = "snapshot.imported"
	EventTypeError            = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Publish errors of an asynchronous publisher.
var (
	ErrEventBufferFull  = errors.New("event buffer full, event dropped")
	ErrPublisherStopped = errors.New("event publisher stopped")
)

// EventSubscriber handles one event. Subscribers run on their own goroutine.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants event.
type EventFilter func(event Event) bool

// EventPublisher fans engine events out to subscribers, either on Publish or
// from a queue drained in batches.
type EventPublisher struct {
	config EventsConfig
	queue  chan Event

	mu          sync.RWMutex
	subscribers []subscriberEntry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher. A disabled publisher drops every
// event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg, stop: make(chan struct{})}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("event batch size must be positive, got: %d", cfg.MaxBatchSize)
	}

	ep.queue = make(chan Event, cfg.BufferSize)
	ep.wg.Add(1)
	go ep.processEvents()
	return ep, nil
}

// Publish stamps event with an id and time and hands it to the subscribers.
// A nil or disabled publisher drops it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}

	select {
	case <-ep.stop:
		return ErrPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return ErrEventBufferFull
	}
}

// PublishTaskStarted publishes a task started event.
func (ep *EventPublisher) PublishTaskStarted(taskID, device, kind, strategy string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskStarted,
		Source:  "dispatcher",
		TaskID:  taskID,
		Device:  device,
		Message: fmt.Sprintf("Task %s started: %s on %s", taskID, kind, device),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"kind":     kind,
			"strategy": strategy,
		},
	})
}

// PublishTaskCompleted publishes a task completed event.
func (ep *EventPublisher) PublishTaskCompleted(taskID, device, outcome string, duration time.Duration, data map[string]interface{}) error {
	fields := map[string]interface{}{
		"outcome":  outcome,
		"duration": duration.Seconds(),
	}
	for k, v := range data {
		fields[k] = v
	}
	return ep.Publish(Event{
		Type:    EventTypeTaskCompleted,
		Source:  "dispatcher",
		TaskID:  taskID,
		Device:  device,
		Message: fmt.Sprintf("Task %s on %s completed with outcome: %s", taskID, device, outcome),
		Level:   EventLevelInfo,
		Data:    fields,
	})
}

// PublishTaskFailed publishes a task failed event.
func (ep *EventPublisher) PublishTaskFailed(taskID, device, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskFailed,
		Source:  "dispatcher",
		TaskID:  taskID,
		Device:  device,
		Message: fmt.Sprintf("Task %s on %s failed: %s", taskID, device, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishGroupsForced publishes an event for groups installed without their preconditions.
func (ep *EventPublisher) PublishGroupsForced(taskID, device string, count int64) error {
	return ep.Publish(Event{
		Type:    EventTypeGroupsForced,
		Source:  "full-state",
		TaskID:  taskID,
		Device:  device,
		Message: fmt.Sprintf("%d groups installed anyway on %s", count, device),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"count": count,
		},
	})
}

// PublishDependencyCycle publishes an event for a groups phase abandoned on a cycle.
func (ep *EventPublisher) PublishDependencyCycle(taskID, device string) error {
	return ep.Publish(Event{
		Type:    EventTypeDependencyCycle,
		Source:  "resolver",
		TaskID:  taskID,
		Device:  device,
		Message: fmt.Sprintf("Group dependencies of %s cannot be ordered", device),
		Level:   EventLevelError,
	})
}

// PublishPurgeCompleted publishes a stale purge event.
func (ep *EventPublisher) PublishPurgeCompleted(taskID, device string, removed int64) error {
	return ep.Publish(Event{
		Type:    EventTypePurgeCompleted,
		Source:  "stale-purge",
		TaskID:  taskID,
		Device:  device,
		Message: fmt.Sprintf("Purged %d stale entities from %s", removed, device),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"removed": removed,
		},
	})
}

// PublishDeviceStatus publishes a device connection change.
func (ep *EventPublisher) PublishDeviceStatus(device string, up bool) error {
	state := "down"
	level := EventLevelWarning
	if up {
		state = "up"
		level = EventLevelInfo
	}
	return ep.Publish(Event{
		Type:    EventTypeDeviceStatus,
		Source:  "southbound",
		Device:  device,
		Message: fmt.Sprintf("Device %s is %s", device, state),
		Level:   level,
		Data: map[string]interface{}{
			"state": state,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(device, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		Device:  device,
		Message: fmt.Sprintf("Policy violation on %s: %s - %s", device, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// PublishSnapshotImported publishes an event for a snapshot written to the store.
func (ep *EventPublisher) PublishSnapshotImported(device, datastore, source string) error {
	return ep.Publish(Event{
		Type:    EventTypeSnapshotImported,
		Source:  "importer",
		Device:  device,
		Message: fmt.Sprintf("Snapshot for %s imported into %s", device, datastore),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"datastore": datastore,
			"file":      source,
		},
	})
}

// Subscribe registers subscriber for the events filter accepts. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// processEvents delivers queued events in batches, when a batch is full or
// the flush interval elapses. Events queued before Shutdown are delivered.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliver(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.queue:
			if batch = append(batch, event); len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-tick:
			flush()
		case <-ep.stop:
			for {
				select {
				case event := <-ep.queue:
					batch = append(batch, event)
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		go entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits until the queue is delivered or
// ctx is done. Calling it again is a no-op.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	ep.stopOnce.Do(func() { close(ep.stop) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := mapset.NewThreadUnsafeSet(types...)
	return func(event Event) bool {
		return set.Contains(event.Type)
	}
}

// FilterByTaskID creates a filter that only allows events for a specific task.
func FilterByTaskID(taskID string) EventFilter {
	return func(event Event) bool {
		return event.TaskID == taskID
	}
}

// FilterByDevice creates a filter that only allows events for a specific device.
func FilterByDevice(device string) EventFilter {
	return func(event Event) bool {
		return event.Device == device
	}
}
