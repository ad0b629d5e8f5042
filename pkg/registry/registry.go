package registry

import (
	"sync"
	"time"

	"github.com/openfroyo/flowsync/pkg/model"
)

// Registry is a per-device timestamp store. Every operation on a single device
// is atomic; no ordering is promised across devices or registries.
type Registry struct {
	name    string
	mu      sync.RWMutex
	records map[model.DeviceID]time.Time
	now     func() time.Time
}

// New creates an empty registry. The name is only used in log lines.
func New(name string) *Registry {
	return &Registry{
		name:    name,
		records: make(map[model.DeviceID]time.Time),
		now:     time.Now,
	}
}

// Name returns the registry name.
func (r *Registry) Name() string {
	return r.name
}

// Register records device at the current time, replacing any earlier record.
func (r *Registry) Register(device model.DeviceID) time.Time {
	ts := r.now()
	r.RegisterAt(device, ts)
	return ts
}

// RegisterAt records device at ts, replacing any earlier record.
func (r *Registry) RegisterAt(device model.DeviceID, ts time.Time) {
	r.mu.Lock()
	r.records[device] = ts
	r.mu.Unlock()
}

// UnregisterIfRegistered removes device and reports whether it was registered.
func (r *Registry) UnregisterIfRegistered(device model.DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[device]; !ok {
		return false
	}
	delete(r.records, device)
	return true
}

// IsRegistered reports whether device has a record.
func (r *Registry) IsRegistered(device model.DeviceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[device]
	return ok
}

// TimestampOf returns the registration time of device.
func (r *Registry) TimestampOf(device model.DeviceID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.records[device]
	return ts, ok
}

// Devices returns the registered devices in no particular order.
func (r *Registry) Devices() []model.DeviceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.DeviceID, 0, len(r.records))
	for d := range r.records {
		out = append(out, d)
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// FreshSnapshotRegistry tracks devices waiting for an operational snapshot
// gathered after a given point in time.
type FreshSnapshotRegistry struct {
	*Registry
}

// NewFreshSnapshotRegistry creates an empty freshness registry.
func NewFreshSnapshotRegistry(name string) *FreshSnapshotRegistry {
	return &FreshSnapshotRegistry{Registry: New(name)}
}

// IsFresh reports whether a gathering that succeeded and completed at
// completedAt happened strictly after device was registered. Unregistered
// devices are never fresh.
func (f *FreshSnapshotRegistry) IsFresh(device model.DeviceID, gatheringSucceeded bool, completedAt time.Time) bool {
	if !gatheringSucceeded {
		return false
	}
	ts, ok := f.TimestampOf(device)
	return ok && completedAt.After(ts)
}

// ConsumeIfFresh is IsFresh followed by removal of the record when fresh. The
// check and the removal happen under one lock.
func (f *FreshSnapshotRegistry) ConsumeIfFresh(device model.DeviceID, gatheringSucceeded bool, completedAt time.Time) bool {
	if !gatheringSucceeded {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.records[device]
	if !ok || !completedAt.After(ts) {
		return false
	}
	delete(f.records, device)
	return true
}

// Registries bundles the three coordination registries shared by notification
// handlers and the dispatcher.
type Registries struct {
	// PendingReconciliation holds devices with a reconciliation in progress.
	PendingReconciliation *Registry

	// PendingRetry holds devices waiting for a consistent operational read
	// before their failed reconciliation is retried.
	PendingRetry *Registry

	// PendingFresh holds devices waiting for a snapshot gathered after their
	// last change.
	PendingFresh *FreshSnapshotRegistry
}

// NewRegistries creates empty registries.
func NewRegistries() *Registries {
	return &Registries{
		PendingReconciliation: New("pending-reconciliation"),
		PendingRetry:          New("pending-retry"),
		PendingFresh:          NewFreshSnapshotRegistry("pending-fresh"),
	}
}

// Forget removes device from every registry, for example when it disconnects.
func (r *Registries) Forget(device model.DeviceID) {
	r.PendingReconciliation.UnregisterIfRegistered(device)
	r.PendingRetry.UnregisterIfRegistered(device)
	r.PendingFresh.UnregisterIfRegistered(device)
}
