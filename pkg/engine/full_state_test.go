package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/telemetry"
)

const testDevice = model.DeviceID("openflow:1")

func fullSnapshot() *model.DeviceConfigSnapshot {
	return &model.DeviceConfigSnapshot{
		Device:        testDevice,
		TableFeatures: []model.TableFeatures{{TableID: 0, Name: "ingress"}},
		Tables: []model.Table{
			{ID: 0, Flows: []model.Flow{{ID: "f1", TableID: 0, Priority: 10}}},
			{ID: 1, Flows: []model.Flow{{ID: "f2", TableID: 1, Priority: 20}}},
		},
		Groups: []model.Group{
			group(1, groupRef(2)),
			group(2, outputTo("1")),
		},
		Meters: []model.Meter{{ID: 1, Bands: []model.MeterBand{{Type: "drop", Rate: 1000}}}},
	}
}

func TestFullState_NoSnapshot(t *testing.T) {
	fc := newFakeCommitters()
	r := NewFullStateReconciler(staticReader(nil), fc.committers(), allPortsReady, testConfig(), nil)

	if r.Reconcile(context.Background(), testDevice, nil) {
		t.Fatal("Expected false without a snapshot")
	}
	if ops := fc.log.all(); len(ops) != 0 {
		t.Fatalf("Expected no side effects, got: %v", ops)
	}
}

func TestFullState_ReadError(t *testing.T) {
	fc := newFakeCommitters()
	r := NewFullStateReconciler(failingReader(errors.New("io")), fc.committers(), allPortsReady, testConfig(), nil)

	if r.Reconcile(context.Background(), testDevice, nil) {
		t.Fatal("Expected false when the read fails")
	}
	if ops := fc.log.all(); len(ops) != 0 {
		t.Fatalf("Expected no side effects, got: %v", ops)
	}
}

func TestFullState_PhaseOrder(t *testing.T) {
	fc := newFakeCommitters()
	counters := NewSyncCounters()
	r := NewFullStateReconciler(staticReader(fullSnapshot()), fc.committers(), allPortsReady, testConfig(), nil)

	if !r.Reconcile(context.Background(), testDevice, counters) {
		t.Fatal("Expected pass to complete")
	}

	var got []string
	for _, op := range fc.log.all() {
		got = append(got, op.Entity+" "+op.Op+" "+string(op.Path))
	}
	want := []string{
		"table-features update /nodes/openflow:1/table-features/0",
		"group add /nodes/openflow:1/group/2",
		"group add /nodes/openflow:1/group/1",
		"meter add /nodes/openflow:1/meter/1",
		"flow add /nodes/openflow:1/table/0/flow/f1",
		"flow add /nodes/openflow:1/table/1/flow/f2",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Unexpected operations (-want +got):\n%s", diff)
	}

	if counters.Groups().Added() != 2 || counters.Flows().Added() != 2 || counters.Meters().Added() != 1 {
		t.Fatalf("Unexpected counters: %s", counters)
	}
	if counters.ForcedGroups() != 0 {
		t.Fatalf("Expected no forced groups, got: %d", counters.ForcedGroups())
	}
}

func TestFullState_FailedOperationsDoNotChangeOutcome(t *testing.T) {
	fc := newFakeCommitters()
	fc.groups.fail[model.GroupPath(testDevice, 2)] = errors.New("rejected")
	fc.flows.fail[model.FlowPath(testDevice, 0, "f1")] = errors.New("rejected")
	r := NewFullStateReconciler(staticReader(fullSnapshot()), fc.committers(), allPortsReady, testConfig(), nil)

	if !r.Reconcile(context.Background(), testDevice, nil) {
		t.Fatal("Expected failures of individual operations to be absorbed")
	}
	if len(fc.log.filter("flow", "add")) != 2 {
		t.Fatal("Expected every flow to be pushed")
	}
}

func TestGroupInstaller_RetryResetOnProgress(t *testing.T) {
	fc := newFakeCommitters()
	gi := newGroupInstaller(testDevice, fc.groups, allPortsReady, testConfig(), telemetry.NewNopLogger(), nil)

	gi.retries = 4
	gi.toInstall = []model.Group{group(1)}
	gi.iterate(context.Background())

	if gi.retries != 0 {
		t.Fatalf("Expected retry counter 0 after progress, got: %d", gi.retries)
	}
	if _, ok := gi.handles[1]; !ok {
		t.Fatal("Expected a completion handle for the installed group")
	}
	if len(gi.toInstall) != 0 {
		t.Fatalf("Expected toInstall to be empty, got: %d", len(gi.toInstall))
	}
}

func TestGroupInstaller_NoProgressIncrementsRetries(t *testing.T) {
	fc := newFakeCommitters()
	gi := newGroupInstaller(testDevice, fc.groups, allPortsReady, testConfig(), telemetry.NewNopLogger(), nil)

	gi.toInstall = []model.Group{group(3, groupRef(4))}
	gi.iterate(context.Background())
	gi.iterate(context.Background())

	if gi.retries != 2 {
		t.Fatalf("Expected retry counter 2, got: %d", gi.retries)
	}
	if len(gi.toInstall) != 1 {
		t.Fatal("Expected the group to stay in toInstall")
	}
}

func TestGroupInstaller_UnreadyPortDoesNotCountAsRetry(t *testing.T) {
	fc := newFakeCommitters()
	ports := PortReadinessFunc(func(model.DeviceID, string) bool { return false })
	gi := newGroupInstaller(testDevice, fc.groups, ports, testConfig(), telemetry.NewNopLogger(), nil)

	gi.toInstall = []model.Group{group(1, outputTo("7"))}
	gi.iterate(context.Background())

	if gi.retries != 0 {
		t.Fatalf("Expected retry counter untouched, got: %d", gi.retries)
	}
	if len(gi.suspected) != 1 {
		t.Fatalf("Expected group to be suspected, got: %d", len(gi.suspected))
	}
}

func TestFullState_ForcedCompletion(t *testing.T) {
	fc := newFakeCommitters()
	counters := NewSyncCounters()
	ports := PortReadinessFunc(func(model.DeviceID, string) bool { return false })

	cfg := testConfig()
	cfg.MaxRetries = 2

	snap := &model.DeviceConfigSnapshot{
		Device: testDevice,
		Groups: []model.Group{
			group(1, groupRef(2)),
			group(2, outputTo("7")),
		},
		Tables: []model.Table{{ID: 0, Flows: []model.Flow{{ID: "f1"}}}},
	}
	r := NewFullStateReconciler(staticReader(snap), fc.committers(), ports, cfg, nil)

	if !r.Reconcile(context.Background(), testDevice, counters) {
		t.Fatal("Expected forced installs to proceed by default")
	}

	want := []model.Path{model.GroupPath(testDevice, 2), model.GroupPath(testDevice, 1)}
	if diff := cmp.Diff(want, fc.log.filter("group", "add")); diff != "" {
		t.Fatalf("Unexpected forced install order (-want +got):\n%s", diff)
	}
	if counters.ForcedGroups() != 2 {
		t.Fatalf("Expected 2 forced groups, got: %d", counters.ForcedGroups())
	}
	if len(fc.log.filter("flow", "add")) != 1 {
		t.Fatal("Expected flows to be pushed after forced installs")
	}
}

func TestFullState_ForcedInstallSkipDownstream(t *testing.T) {
	fc := newFakeCommitters()
	ports := PortReadinessFunc(func(model.DeviceID, string) bool { return false })

	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.ForcedInstallPolicy = ForcedInstallSkipDownstream

	snap := &model.DeviceConfigSnapshot{
		Device: testDevice,
		Groups: []model.Group{group(2, outputTo("7"))},
		Tables: []model.Table{{ID: 0, Flows: []model.Flow{{ID: "f1"}}}},
		Meters: []model.Meter{{ID: 1}},
	}
	r := NewFullStateReconciler(staticReader(snap), fc.committers(), ports, cfg, nil)

	if r.Reconcile(context.Background(), testDevice, nil) {
		t.Fatal("Expected skip-downstream to fail the pass")
	}
	if len(fc.log.filter("group", "add")) != 1 {
		t.Fatal("Expected the stuck group to be installed anyway")
	}
	if len(fc.log.filter("flow", "")) != 0 || len(fc.log.filter("meter", "")) != 0 {
		t.Fatal("Expected meters and flows to be skipped")
	}
}

// cyclicSnapshot holds a 1<->2 cycle next to group 3, which has no
// dependencies and is used by flow f1.
func cyclicSnapshot() *model.DeviceConfigSnapshot {
	return &model.DeviceConfigSnapshot{
		Device: testDevice,
		Groups: []model.Group{group(1, groupRef(2)), group(2, groupRef(1)), group(3)},
		Tables: []model.Table{{ID: 0, Flows: []model.Flow{applyGroup("f1", 3)}}},
		Meters: []model.Meter{{ID: 1}},
	}
}

func applyGroup(id string, groupID uint32) model.Flow {
	return model.Flow{ID: id, Instructions: model.Instructions{ApplyActions: []model.Action{groupRef(groupID)}}}
}

func TestFullState_CyclePolicyContinue(t *testing.T) {
	fc := newFakeCommitters()
	counters := NewSyncCounters()
	r := NewFullStateReconciler(staticReader(cyclicSnapshot()), fc.committers(), allPortsReady, testConfig(), nil)

	if !r.Reconcile(context.Background(), testDevice, counters) {
		t.Fatal("Expected pass to continue past the cycle")
	}

	want := []model.Path{
		model.GroupPath(testDevice, 3),
		model.GroupPath(testDevice, 1),
		model.GroupPath(testDevice, 2),
	}
	if diff := cmp.Diff(want, fc.log.filter("group", "add")); diff != "" {
		t.Fatalf("Unexpected group installs (-want +got):\n%s", diff)
	}

	g3 := fc.log.indexOf("group", "add", model.GroupPath(testDevice, 3))
	f1 := fc.log.indexOf("flow", "add", model.FlowPath(testDevice, 0, "f1"))
	if f1 < 0 || g3 > f1 {
		t.Fatalf("Expected group 3 to be added before flow f1, got: %v", fc.log.all())
	}
	if len(fc.log.filter("meter", "add")) != 1 {
		t.Fatal("Expected meters to be pushed")
	}
	if counters.DependencyCycles() != 1 || counters.ForcedGroups() != 2 {
		t.Fatalf("Expected one cycle and two forced groups, got: %s", counters)
	}
}

func TestFullState_MissingGroupReference(t *testing.T) {
	fc := newFakeCommitters()
	counters := NewSyncCounters()

	cfg := testConfig()
	cfg.MaxRetries = 2

	snap := &model.DeviceConfigSnapshot{
		Device: testDevice,
		Groups: []model.Group{
			group(1, groupRef(99)),
			group(2, outputTo("CONTROLLER")),
			group(3),
		},
		Tables: []model.Table{{ID: 0, Flows: []model.Flow{applyGroup("f1", 1)}}},
	}
	r := NewFullStateReconciler(staticReader(snap), fc.committers(), allPortsReady, cfg, nil)

	if !r.Reconcile(context.Background(), testDevice, counters) {
		t.Fatal("Expected pass to continue past the missing reference")
	}

	want := []model.Path{
		model.GroupPath(testDevice, 2),
		model.GroupPath(testDevice, 3),
		model.GroupPath(testDevice, 1),
	}
	if diff := cmp.Diff(want, fc.log.filter("group", "add")); diff != "" {
		t.Fatalf("Unexpected group installs (-want +got):\n%s", diff)
	}
	if counters.ForcedGroups() != 1 {
		t.Fatalf("Expected group 1 to be forced, got: %d", counters.ForcedGroups())
	}

	g1 := fc.log.indexOf("group", "add", model.GroupPath(testDevice, 1))
	f1 := fc.log.indexOf("flow", "add", model.FlowPath(testDevice, 0, "f1"))
	if f1 < 0 || g1 > f1 {
		t.Fatalf("Expected group 1 to be added before flow f1, got: %v", fc.log.all())
	}
}

func TestFullState_CyclePolicyAbort(t *testing.T) {
	fc := newFakeCommitters()
	cfg := testConfig()
	cfg.CyclePolicy = CyclePolicyAbort
	r := NewFullStateReconciler(staticReader(cyclicSnapshot()), fc.committers(), allPortsReady, cfg, nil)

	if r.Reconcile(context.Background(), testDevice, nil) {
		t.Fatal("Expected abort policy to fail the pass")
	}
	if len(fc.log.filter("group", "")) != 0 || len(fc.log.filter("flow", "")) != 0 {
		t.Fatal("Expected no groups or flows after abort")
	}
}

func TestFullState_UnconfirmedGroupsAreBounded(t *testing.T) {
	fc := newFakeCommitters()
	fc.groups.hold = true
	r := NewFullStateReconciler(staticReader(fullSnapshot()), fc.committers(), allPortsReady, testConfig(), nil)

	if !r.Reconcile(context.Background(), testDevice, nil) {
		t.Fatal("Expected pass to complete after bounded waits")
	}
	if len(fc.log.filter("flow", "add")) != 2 {
		t.Fatal("Expected flows to be pushed after the barrier timed out")
	}
}

func TestFullState_Cancelled(t *testing.T) {
	fc := newFakeCommitters()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewFullStateReconciler(staticReader(fullSnapshot()), fc.committers(), allPortsReady, testConfig(), nil)
	if r.Reconcile(ctx, testDevice, nil) {
		t.Fatal("Expected a cancelled pass to fail")
	}
	if len(fc.log.filter("flow", "")) != 0 {
		t.Fatal("Expected no flows after cancellation")
	}
}
