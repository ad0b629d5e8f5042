package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/flowsync/pkg/model"
)

func staleSnapshot() *model.DeviceConfigSnapshot {
	return &model.DeviceConfigSnapshot{
		Device: testDevice,
		Tables: []model.Table{
			{ID: 0, StaleFlows: []model.StaleFlow{{Flow: model.Flow{ID: "old1"}}}},
			{ID: 3, StaleFlows: []model.StaleFlow{{Flow: applyGroup("old2", 9)}}},
		},
		StaleGroups: []model.StaleGroup{{Group: group(9, outputTo("1"))}},
		StaleMeters: []model.StaleMeter{{Meter: model.Meter{ID: 4}}},
	}
}

func TestPurge_RemovalOrder(t *testing.T) {
	fc := newFakeCommitters()
	w := &mockWriter{}
	counters := NewSyncCounters()

	p := NewStalePurger(staticReader(staleSnapshot()), fc.committers(), w, testConfig(), nil)
	res := p.Purge(context.Background(), testDevice, counters)

	// old2 forwards to group 9, so it must be gone before the group is.
	flowIdx := fc.log.indexOf("flow", "remove", model.FlowPath(testDevice, 3, "old2"))
	groupIdx := fc.log.indexOf("group", "remove", model.GroupPath(testDevice, 9))
	meterIdx := fc.log.indexOf("meter", "remove", model.MeterPath(testDevice, 4))
	if flowIdx < 0 || groupIdx < 0 || meterIdx < 0 {
		t.Fatalf("Expected every stale entity to be removed, got: %v", fc.log.all())
	}
	if !(flowIdx < groupIdx && groupIdx < meterIdx) {
		t.Fatalf("Expected flows, then groups, then meters, got: %v", fc.log.all())
	}

	wantMarkers := []model.Path{
		model.StaleFlowPath(testDevice, 0, "old1"),
		model.StaleFlowPath(testDevice, 3, "old2"),
		model.StaleGroupPath(testDevice, 9),
		model.StaleMeterPath(testDevice, 4),
	}
	if diff := cmp.Diff(wantMarkers, res.Markers); diff != "" {
		t.Fatalf("Unexpected markers (-want +got):\n%s", diff)
	}
	if res.Deleted != 4 || res.BatchFailures != 0 {
		t.Fatalf("Expected 4 markers deleted, got: %+v", res)
	}
	if diff := cmp.Diff([][]model.Path{wantMarkers}, w.batches); diff != "" {
		t.Fatalf("Unexpected batches (-want +got):\n%s", diff)
	}
	if counters.Flows().Removed() != 2 || counters.Groups().Removed() != 1 || counters.Meters().Removed() != 1 {
		t.Fatalf("Unexpected counters: %s", counters)
	}
}

func TestPurge_Batching(t *testing.T) {
	fc := newFakeCommitters()
	w := &mockWriter{}
	cfg := testConfig()
	cfg.MarkerBatchSize = 3

	p := NewStalePurger(staticReader(staleSnapshot()), fc.committers(), w, cfg, nil)
	res := p.Purge(context.Background(), testDevice, nil)

	if len(w.batches) != 2 || len(w.batches[0]) != 3 || len(w.batches[1]) != 1 {
		t.Fatalf("Expected batches of 3 and 1, got: %v", w.batches)
	}
	if res.Deleted != 4 {
		t.Fatalf("Expected 4 deleted, got: %d", res.Deleted)
	}
}

func TestPurge_FailedBatchIsCounted(t *testing.T) {
	fc := newFakeCommitters()
	w := &mockWriter{failAfter: 1}
	cfg := testConfig()
	cfg.MarkerBatchSize = 2

	p := NewStalePurger(staticReader(staleSnapshot()), fc.committers(), w, cfg, nil)
	res := p.Purge(context.Background(), testDevice, nil)

	if res.Deleted != 2 || res.BatchFailures != 1 {
		t.Fatalf("Expected one committed and one failed batch, got: %+v", res)
	}
}

func TestPurge_AlwaysSucceeds(t *testing.T) {
	tests := []struct {
		name   string
		reader SnapshotReader
		fail   bool
	}{
		{name: "read error", reader: failingReader(errors.New("io"))},
		{name: "no snapshot", reader: staticReader(nil)},
		{name: "nothing stale", reader: staticReader(fullSnapshot())},
		{name: "device rejects removals", reader: staticReader(staleSnapshot()), fail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCommitters()
			if tt.fail {
				fc.flows.fail[model.FlowPath(testDevice, 0, "old1")] = errors.New("rejected")
				fc.groups.fail[model.GroupPath(testDevice, 9)] = errors.New("rejected")
			}
			p := NewStalePurger(tt.reader, fc.committers(), &mockWriter{}, testConfig(), nil)
			if !p.Reconcile(context.Background(), testDevice, nil) {
				t.Fatal("Expected purge to report success")
			}
		})
	}
}

func TestPurge_EmptySnapshotIsNoop(t *testing.T) {
	fc := newFakeCommitters()
	w := &mockWriter{}

	p := NewStalePurger(staticReader(fullSnapshot()), fc.committers(), w, testConfig(), nil)
	res := p.Purge(context.Background(), testDevice, nil)

	if len(fc.log.all()) != 0 || w.commits != 0 {
		t.Fatal("Expected no device operations and no store writes")
	}
	if len(res.Markers) != 0 {
		t.Fatalf("Expected no markers, got: %v", res.Markers)
	}
}

func TestPurge_NilWriterSkipsMarkers(t *testing.T) {
	fc := newFakeCommitters()

	p := NewStalePurger(staticReader(staleSnapshot()), fc.committers(), nil, testConfig(), nil)
	res := p.Purge(context.Background(), testDevice, nil)

	if len(res.Markers) != 4 || res.Deleted != 0 {
		t.Fatalf("Expected markers recorded but not deleted, got: %+v", res)
	}
}
