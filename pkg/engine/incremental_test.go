package engine

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/flowsync/pkg/model"
)

func installedSnapshot() *model.DeviceConfigSnapshot {
	return &model.DeviceConfigSnapshot{
		Device: testDevice,
		Tables: []model.Table{
			{ID: 0, Flows: []model.Flow{{ID: "f1", Priority: 10}, {ID: "gone", Priority: 1}}},
		},
		Groups: []model.Group{
			group(2, outputTo("2")),
			group(5, groupRef(6)),
			group(6, outputTo("3")),
		},
		Meters: []model.Meter{{ID: 1, Bands: []model.MeterBand{{Type: "drop", Rate: 10}}}, {ID: 8}},
	}
}

func TestIncremental_PushesDifference(t *testing.T) {
	fc := newFakeCommitters()
	counters := NewSyncCounters()
	s := NewIncrementalSyncer(staticReader(fullSnapshot()), staticReader(installedSnapshot()),
		fc.committers(), testConfig(), nil)

	if !s.Reconcile(context.Background(), testDevice, counters) {
		t.Fatal("Expected incremental sync to complete")
	}

	tfIdx := fc.log.indexOf("table-features", "update", model.TableFeaturesPath(testDevice, 0))
	if tfIdx < 0 || tfIdx > fc.log.indexOf("group", "add", model.GroupPath(testDevice, 1)) {
		t.Fatalf("Expected table features to be pushed before groups, got: %v", fc.log.all())
	}

	if got := fc.log.filter("group", "add"); len(got) != 1 || got[0] != model.GroupPath(testDevice, 1) {
		t.Fatalf("Expected only group 1 to be added, got: %v", got)
	}

	original := fc.groups.updates[model.GroupPath(testDevice, 2)]
	if original == nil {
		t.Fatal("Expected group 2 to be updated")
	}
	if diff := cmp.Diff(group(2, outputTo("2")), *original); diff != "" {
		t.Fatalf("Expected update to carry the installed group (-want +got):\n%s", diff)
	}

	if fc.meters.updates[model.MeterPath(testDevice, 1)] == nil {
		t.Fatal("Expected meter 1 to be updated with its original")
	}
	if got := fc.log.filter("flow", "add"); len(got) != 1 || got[0] != model.FlowPath(testDevice, 1, "f2") {
		t.Fatalf("Expected only f2 to be added, got: %v", got)
	}
	if len(fc.log.filter("flow", "update")) != 0 {
		t.Fatal("Expected unchanged flow f1 to be left alone")
	}

	if counters.Groups().Added() != 1 || counters.Groups().Updated() != 1 || counters.Groups().Removed() != 2 {
		t.Fatalf("Unexpected group counters: %s", counters)
	}
}

func TestIncremental_RemovalOrder(t *testing.T) {
	fc := newFakeCommitters()
	s := NewIncrementalSyncer(staticReader(fullSnapshot()), staticReader(installedSnapshot()),
		fc.committers(), testConfig(), nil)

	s.Reconcile(context.Background(), testDevice, nil)

	flowIdx := fc.log.indexOf("flow", "remove", model.FlowPath(testDevice, 0, "gone"))
	meterIdx := fc.log.indexOf("meter", "remove", model.MeterPath(testDevice, 8))
	g5 := fc.log.indexOf("group", "remove", model.GroupPath(testDevice, 5))
	g6 := fc.log.indexOf("group", "remove", model.GroupPath(testDevice, 6))

	if flowIdx < 0 || meterIdx < 0 || g5 < 0 || g6 < 0 {
		t.Fatalf("Expected every redundant entity to be removed, got: %v", fc.log.all())
	}
	if !(flowIdx < meterIdx && meterIdx < g5) {
		t.Fatalf("Expected flows, then meters, then groups, got: %v", fc.log.all())
	}
	if g5 > g6 {
		t.Fatal("Expected group 5 to be removed before the group it forwards to")
	}

	lastAdd := fc.log.indexOf("flow", "add", model.FlowPath(testDevice, 1, "f2"))
	if lastAdd > flowIdx {
		t.Fatal("Expected adds to precede removals")
	}
}

func TestIncremental_NoOp(t *testing.T) {
	fc := newFakeCommitters()
	s := NewIncrementalSyncer(staticReader(fullSnapshot()), staticReader(fullSnapshot()),
		fc.committers(), testConfig(), nil)

	if !s.Reconcile(context.Background(), testDevice, nil) {
		t.Fatal("Expected no-op sync to succeed")
	}
	// Table features carry no operational state to diff against.
	ops := fc.log.all()
	if len(ops) != 1 || ops[0].Entity != "table-features" {
		t.Fatalf("Expected only the table-features push, got: %v", ops)
	}
}

func TestIncremental_NilOperationalReader(t *testing.T) {
	fc := newFakeCommitters()
	s := NewIncrementalSyncer(staticReader(fullSnapshot()), nil, fc.committers(), testConfig(), nil)

	if !s.Reconcile(context.Background(), testDevice, nil) {
		t.Fatal("Expected sync against an empty device to succeed")
	}

	g2 := fc.log.indexOf("group", "add", model.GroupPath(testDevice, 2))
	g1 := fc.log.indexOf("group", "add", model.GroupPath(testDevice, 1))
	if g2 < 0 || g1 < 0 || g2 > g1 {
		t.Fatalf("Expected group 2 before group 1, got: %v", fc.log.all())
	}
}

func TestIncremental_CycleForcesGroups(t *testing.T) {
	fc := newFakeCommitters()
	counters := NewSyncCounters()
	s := NewIncrementalSyncer(staticReader(cyclicSnapshot()), nil, fc.committers(), testConfig(), nil)

	if !s.Reconcile(context.Background(), testDevice, counters) {
		t.Fatal("Expected the default policies to continue")
	}
	want := []model.Path{
		model.GroupPath(testDevice, 3),
		model.GroupPath(testDevice, 1),
		model.GroupPath(testDevice, 2),
	}
	if diff := cmp.Diff(want, fc.log.filter("group", "add")); diff != "" {
		t.Fatalf("Expected the ordered group before the forced ones (-want +got):\n%s", diff)
	}
	if counters.ForcedGroups() != 2 || counters.DependencyCycles() != 1 {
		t.Fatalf("Unexpected counters: %s", counters)
	}
}

func TestIncremental_CycleAbort(t *testing.T) {
	fc := newFakeCommitters()
	cfg := testConfig()
	cfg.CyclePolicy = CyclePolicyAbort
	s := NewIncrementalSyncer(staticReader(cyclicSnapshot()), nil, fc.committers(), cfg, nil)

	if s.Reconcile(context.Background(), testDevice, nil) {
		t.Fatal("Expected abort policy to fail the sync")
	}
	if len(fc.log.all()) != 0 {
		t.Fatal("Expected no operations after abort")
	}
}
