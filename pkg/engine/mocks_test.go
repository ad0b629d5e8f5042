package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openfroyo/flowsync/pkg/model"
)

// recordedOp is one call made against a fake collaborator.
type recordedOp struct {
	Entity string
	Op     string
	Path   model.Path
}

// opLog records calls across every fake so tests can assert global order.
type opLog struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (l *opLog) record(entity, op string, path model.Path) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, recordedOp{Entity: entity, Op: op, Path: path})
}

func (l *opLog) all() []recordedOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedOp(nil), l.ops...)
}

func (l *opLog) filter(entity, op string) []model.Path {
	var out []model.Path
	for _, o := range l.all() {
		if o.Entity == entity && (op == "" || o.Op == op) {
			out = append(out, o.Path)
		}
	}
	return out
}

func (l *opLog) indexOf(entity, op string, path model.Path) int {
	for i, o := range l.all() {
		if o.Entity == entity && o.Op == op && o.Path == path {
			return i
		}
	}
	return -1
}

// mockCommitter records calls and resolves completions immediately unless told
// to hold them.
type mockCommitter[T any] struct {
	entity string
	log    *opLog

	mu      sync.Mutex
	fail    map[model.Path]error
	hold    bool
	held    []*Completion
	items   map[model.Path]T
	updates map[model.Path]*T
}

func newMockCommitter[T any](entity string, log *opLog) *mockCommitter[T] {
	return &mockCommitter[T]{
		entity:  entity,
		log:     log,
		fail:    make(map[model.Path]error),
		items:   make(map[model.Path]T),
		updates: make(map[model.Path]*T),
	}
}

func (m *mockCommitter[T]) result(path model.Path) *Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hold {
		c := NewCompletion()
		m.held = append(m.held, c)
		return c
	}
	return Completed(m.fail[path])
}

func (m *mockCommitter[T]) Add(ctx context.Context, path model.Path, item T, device model.DeviceRef) *Completion {
	m.log.record(m.entity, "add", path)
	m.mu.Lock()
	m.items[path] = item
	m.mu.Unlock()
	return m.result(path)
}

func (m *mockCommitter[T]) Update(ctx context.Context, path model.Path, updated T, original *T, device model.DeviceRef) *Completion {
	m.log.record(m.entity, "update", path)
	m.mu.Lock()
	m.items[path] = updated
	m.updates[path] = original
	m.mu.Unlock()
	return m.result(path)
}

func (m *mockCommitter[T]) Remove(ctx context.Context, path model.Path, item T, device model.DeviceRef) *Completion {
	m.log.record(m.entity, "remove", path)
	return m.result(path)
}

// fakeCommitters bundles one fake per entity kind over a shared log.
type fakeCommitters struct {
	log           *opLog
	flows         *mockCommitter[model.Flow]
	groups        *mockCommitter[model.Group]
	meters        *mockCommitter[model.Meter]
	tableFeatures *mockCommitter[model.TableFeatures]
}

func newFakeCommitters() *fakeCommitters {
	log := &opLog{}
	return &fakeCommitters{
		log:           log,
		flows:         newMockCommitter[model.Flow]("flow", log),
		groups:        newMockCommitter[model.Group]("group", log),
		meters:        newMockCommitter[model.Meter]("meter", log),
		tableFeatures: newMockCommitter[model.TableFeatures]("table-features", log),
	}
}

func (f *fakeCommitters) committers() Committers {
	return Committers{
		Flows:         f.flows,
		Groups:        f.groups,
		Meters:        f.meters,
		TableFeatures: f.tableFeatures,
	}
}

// mockBundleControl records bundle steps and fails the configured ones.
type mockBundleControl struct {
	log *opLog

	mu       sync.Mutex
	failStep map[string]error
	ids      []BundleID
	flags    []BundleFlags
	messages []BundleMessage
}

func newMockBundleControl(log *opLog) *mockBundleControl {
	return &mockBundleControl{log: log, failStep: make(map[string]error)}
}

func (m *mockBundleControl) step(name string, id BundleID, flags BundleFlags) *Completion {
	m.log.record("bundle", name, "")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
	m.flags = append(m.flags, flags)
	return Completed(m.failStep[name])
}

func (m *mockBundleControl) OpenBundle(ctx context.Context, device model.DeviceRef, id BundleID, flags BundleFlags) *Completion {
	return m.step("open", id, flags)
}

func (m *mockBundleControl) StageMessages(ctx context.Context, device model.DeviceRef, id BundleID, flags BundleFlags, messages []BundleMessage) *Completion {
	m.mu.Lock()
	m.messages = append(m.messages, messages...)
	m.mu.Unlock()
	return m.step("stage", id, flags)
}

func (m *mockBundleControl) CommitBundle(ctx context.Context, device model.DeviceRef, id BundleID, flags BundleFlags) *Completion {
	return m.step("commit", id, flags)
}

// mockWriter records committed marker batches.
type mockWriter struct {
	mu        sync.Mutex
	batches   [][]model.Path
	failAfter int
	commits   int
}

type mockWriteTx struct {
	w     *mockWriter
	paths []model.Path
}

func (w *mockWriter) NewWriteTx(ctx context.Context) (ConfigWriteTx, error) {
	return &mockWriteTx{w: w}, nil
}

func (tx *mockWriteTx) Delete(path model.Path) {
	tx.paths = append(tx.paths, path)
}

func (tx *mockWriteTx) Commit(ctx context.Context) error {
	tx.w.mu.Lock()
	defer tx.w.mu.Unlock()
	tx.w.commits++
	if tx.w.failAfter > 0 && tx.w.commits > tx.w.failAfter {
		return errors.New("store unavailable")
	}
	tx.w.batches = append(tx.w.batches, tx.paths)
	return nil
}

func staticReader(snap *model.DeviceConfigSnapshot) SnapshotReader {
	return SnapshotReaderFunc(func(ctx context.Context, device model.DeviceID) (*model.DeviceConfigSnapshot, error) {
		return snap, nil
	})
}

func failingReader(err error) SnapshotReader {
	return SnapshotReaderFunc(func(ctx context.Context, device model.DeviceID) (*model.DeviceConfigSnapshot, error) {
		return nil, err
	})
}

// allPortsReady reports every port as ready.
var allPortsReady = PortReadinessFunc(func(model.DeviceID, string) bool { return true })

func outputTo(port string) model.Action {
	return model.Action{Type: model.ActionOutput, Port: port}
}

func groupRef(id uint32) model.Action {
	return model.Action{Type: model.ActionGroup, GroupID: id}
}

func group(id uint32, actions ...model.Action) model.Group {
	return model.Group{
		ID:      id,
		Type:    model.GroupTypeAll,
		Buckets: []model.Bucket{{ID: 0, Actions: actions}},
	}
}

func testConfig() ReconcilerConfig {
	cfg := DefaultReconcilerConfig()
	cfg.DependencyWait = 50 * time.Millisecond
	cfg.GroupWaitUnit = 50 * time.Millisecond
	cfg.GroupWaitCap = 200 * time.Millisecond
	cfg.BundleStepTimeout = 200 * time.Millisecond
	return cfg
}
