package engine

import (
	"context"
	"sync/atomic"

	"github.com/openfroyo/flowsync/pkg/model"
)

// SnapshotReader reads the desired (or operational) state of one device.
type SnapshotReader interface {
	// ReadSnapshot returns the device snapshot. A nil snapshot with a nil error
	// means the store holds nothing for the device.
	ReadSnapshot(ctx context.Context, device model.DeviceID) (*model.DeviceConfigSnapshot, error)
}

// SnapshotReaderFunc adapts a function to the SnapshotReader interface.
type SnapshotReaderFunc func(ctx context.Context, device model.DeviceID) (*model.DeviceConfigSnapshot, error)

// ReadSnapshot calls f.
func (f SnapshotReaderFunc) ReadSnapshot(ctx context.Context, device model.DeviceID) (*model.DeviceConfigSnapshot, error) {
	return f(ctx, device)
}

// Committer pushes one kind of entity to a device. Calls return immediately;
// the returned completion resolves when the device has answered.
type Committer[T any] interface {
	// Add installs item at path.
	Add(ctx context.Context, path model.Path, item T, device model.DeviceRef) *Completion

	// Update replaces the entity at path. original may be nil when unknown.
	Update(ctx context.Context, path model.Path, updated T, original *T, device model.DeviceRef) *Completion

	// Remove deletes item from the device.
	Remove(ctx context.Context, path model.Path, item T, device model.DeviceRef) *Completion
}

// Committers groups the per-kind committers used by the reconcilers.
type Committers struct {
	Flows         Committer[model.Flow]
	Groups        Committer[model.Group]
	Meters        Committer[model.Meter]
	TableFeatures Committer[model.TableFeatures]
}

// BundleID identifies one bundle transaction on a device.
type BundleID uint32

// BundleFlags are the flags sent with every bundle control message.
type BundleFlags struct {
	Atomic  bool `json:"atomic"`
	Ordered bool `json:"ordered"`
}

// BundleMessageKind names the operation of a staged bundle message.
type BundleMessageKind string

const (
	BundleRemoveAllFlows  BundleMessageKind = "remove-all-flows"
	BundleRemoveAllGroups BundleMessageKind = "remove-all-groups"
	BundleAddGroup        BundleMessageKind = "add-group"
	BundleAddFlow         BundleMessageKind = "add-flow"
)

// BundleMessage is one message staged into a bundle.
type BundleMessage struct {
	Kind      BundleMessageKind `json:"kind"`
	TableID   uint8             `json:"table_id,omitempty"`
	GroupType model.GroupType   `json:"group_type,omitempty"`
	GroupID   uint32            `json:"group_id,omitempty"`
	Flow      *model.Flow       `json:"flow,omitempty"`
	Group     *model.Group      `json:"group,omitempty"`
}

// BundleControl drives the open/stage/commit protocol of device bundles.
type BundleControl interface {
	OpenBundle(ctx context.Context, device model.DeviceRef, id BundleID, flags BundleFlags) *Completion
	StageMessages(ctx context.Context, device model.DeviceRef, id BundleID, flags BundleFlags, messages []BundleMessage) *Completion
	CommitBundle(ctx context.Context, device model.DeviceRef, id BundleID, flags BundleFlags) *Completion
}

// BundleIDSource hands out bundle identifiers.
type BundleIDSource interface {
	NextBundleID() BundleID
}

// BundleCounter is a BundleIDSource backed by an atomic counter.
type BundleCounter struct {
	next atomic.Uint32
}

// NewBundleCounter creates a counter whose first id is start.
func NewBundleCounter(start uint32) *BundleCounter {
	c := &BundleCounter{}
	c.next.Store(start)
	return c
}

// NextBundleID returns the current value and advances the counter.
func (c *BundleCounter) NextBundleID() BundleID {
	return BundleID(c.next.Add(1) - 1)
}

// PortReadiness reports whether a device port has been reported up.
type PortReadiness interface {
	IsPortReady(device model.DeviceID, port string) bool
}

// PortReadinessFunc adapts a function to the PortReadiness interface.
type PortReadinessFunc func(device model.DeviceID, port string) bool

// IsPortReady calls f.
func (f PortReadinessFunc) IsPortReady(device model.DeviceID, port string) bool {
	return f(device, port)
}

// ConfigWriter opens write transactions against the config store.
type ConfigWriter interface {
	NewWriteTx(ctx context.Context) (ConfigWriteTx, error)
}

// ConfigWriteTx stages deletes and applies them on Commit.
type ConfigWriteTx interface {
	Delete(path model.Path)
	Commit(ctx context.Context) error
}

// OwnershipOracle reports whether this instance is responsible for a device.
type OwnershipOracle interface {
	IsOwner(device model.DeviceID) bool
}

// Reconciler pushes the desired state of one device. The boolean reports whether
// the pass ran to completion; counters may be nil.
type Reconciler interface {
	Reconcile(ctx context.Context, device model.DeviceID, counters *SyncCounters) bool
}
