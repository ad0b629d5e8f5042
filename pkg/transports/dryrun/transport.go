// Package dryrun is a southbound that talks to no device. It records every
// operation the reconcilers issue and acknowledges it at once, which lets a
// reconciliation be previewed against the store without touching the
// network.
package dryrun

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/telemetry"
)

// Operation names, shared with the MQTT command vocabulary.
const (
	OpAdd          = "add"
	OpUpdate       = "update"
	OpRemove       = "remove"
	OpBundleOpen   = "bundle-open"
	OpBundleStage  = "bundle-stage"
	OpBundleCommit = "bundle-commit"
)

// Operation is one recorded southbound call.
type Operation struct {
	Seq      int
	Op       string
	Kind     model.EntityKind
	Path     model.Path
	Device   model.DeviceID
	BundleID engine.BundleID
	Messages []engine.BundleMessage
	Item     any
	At       time.Time
}

func (o Operation) String() string {
	switch o.Op {
	case OpBundleOpen, OpBundleCommit:
		return fmt.Sprintf("%s %s bundle=%d", o.Op, o.Device, o.BundleID)
	case OpBundleStage:
		return fmt.Sprintf("%s %s bundle=%d messages=%d", o.Op, o.Device, o.BundleID, len(o.Messages))
	default:
		return fmt.Sprintf("%s %s", o.Op, o.Path)
	}
}

// Transport records operations and resolves their completions immediately.
// Paths registered with FailOn resolve with the given error instead.
type Transport struct {
	logger *telemetry.Logger

	mu       sync.Mutex
	ops      []Operation
	failures map[model.Path]error
	devices  mapset.Set[model.DeviceID]
}

var _ engine.BundleControl = (*Transport)(nil)

// New creates an empty dry-run transport.
func New(logger *telemetry.Logger) *Transport {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Transport{
		logger:   logger.NewComponentLogger("dry-run"),
		failures: make(map[model.Path]error),
		devices:  mapset.NewSet[model.DeviceID](),
	}
}

// FailOn makes every later operation on path resolve with err.
func (t *Transport) FailOn(path model.Path, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[path] = err
}

// Committers returns per-kind committers that record into t.
func (t *Transport) Committers() engine.Committers {
	return engine.Committers{
		Flows:         &committer[model.Flow]{t: t, kind: model.KindFlow},
		Groups:        &committer[model.Group]{t: t, kind: model.KindGroup},
		Meters:        &committer[model.Meter]{t: t, kind: model.KindMeter},
		TableFeatures: &committer[model.TableFeatures]{t: t, kind: model.KindTableFeatures},
	}
}

// Ports reports every port of every device as ready.
func (t *Transport) Ports() engine.PortReadiness {
	return engine.PortReadinessFunc(func(model.DeviceID, string) bool { return true })
}

// OpenBundle implements engine.BundleControl.
func (t *Transport) OpenBundle(_ context.Context, device model.DeviceRef, id engine.BundleID, _ engine.BundleFlags) *engine.Completion {
	return t.record(Operation{Op: OpBundleOpen, Device: device.Device(), BundleID: id})
}

// StageMessages implements engine.BundleControl.
func (t *Transport) StageMessages(_ context.Context, device model.DeviceRef, id engine.BundleID, _ engine.BundleFlags,
	messages []engine.BundleMessage) *engine.Completion {
	staged := make([]engine.BundleMessage, len(messages))
	copy(staged, messages)
	return t.record(Operation{Op: OpBundleStage, Device: device.Device(), BundleID: id, Messages: staged})
}

// CommitBundle implements engine.BundleControl.
func (t *Transport) CommitBundle(_ context.Context, device model.DeviceRef, id engine.BundleID, _ engine.BundleFlags) *engine.Completion {
	return t.record(Operation{Op: OpBundleCommit, Device: device.Device(), BundleID: id})
}

// Operations returns a copy of the recorded operations in issue order.
func (t *Transport) Operations() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Operation, len(t.ops))
	copy(out, t.ops)
	return out
}

// OperationsFor returns the recorded operations of one device.
func (t *Transport) OperationsFor(device model.DeviceID) []Operation {
	var out []Operation
	for _, op := range t.Operations() {
		if op.Device == device {
			out = append(out, op)
		}
	}
	return out
}

// Devices returns the devices that received at least one operation, sorted.
func (t *Transport) Devices() []model.DeviceID {
	t.mu.Lock()
	devices := t.devices.ToSlice()
	t.mu.Unlock()
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return devices
}

// Counts returns the number of operations per "op kind" pair, e.g.
// "add group".
func (t *Transport) Counts() map[string]int {
	counts := make(map[string]int)
	for _, op := range t.Operations() {
		key := op.Op
		if op.Kind != "" {
			key += " " + string(op.Kind)
		}
		counts[key]++
	}
	return counts
}

// Reset forgets every recorded operation. Failures stay registered.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = nil
	t.devices.Clear()
}

func (t *Transport) record(op Operation) *engine.Completion {
	t.mu.Lock()
	op.Seq = len(t.ops) + 1
	op.At = time.Now()
	t.ops = append(t.ops, op)
	t.devices.Add(op.Device)
	err := t.failures[op.Path]
	t.mu.Unlock()

	logger := t.logger.WithDevice(op.Device.String()).WithField("op", op.Op)
	if op.Path != "" {
		logger = logger.WithField("path", string(op.Path))
	}
	if err != nil {
		logger.WithError(err).Debug("Would fail")
	} else {
		logger.Debug("Would send")
	}
	return engine.Completed(err)
}

type committer[T any] struct {
	t    *Transport
	kind model.EntityKind
}

func (c *committer[T]) Add(_ context.Context, path model.Path, item T, device model.DeviceRef) *engine.Completion {
	return c.t.record(Operation{Op: OpAdd, Kind: c.kind, Path: path, Device: device.Device(), Item: item})
}

func (c *committer[T]) Update(_ context.Context, path model.Path, updated T, _ *T, device model.DeviceRef) *engine.Completion {
	return c.t.record(Operation{Op: OpUpdate, Kind: c.kind, Path: path, Device: device.Device(), Item: updated})
}

func (c *committer[T]) Remove(_ context.Context, path model.Path, item T, device model.DeviceRef) *engine.Completion {
	return c.t.record(Operation{Op: OpRemove, Kind: c.kind, Path: path, Device: device.Device(), Item: item})
}
