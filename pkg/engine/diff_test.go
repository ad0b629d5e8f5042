package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/flowsync/pkg/model"
)

func TestDiffFlows(t *testing.T) {
	desired := []model.Table{
		{ID: 0, Flows: []model.Flow{{ID: "a", Priority: 1}, {ID: "b", Priority: 2}}},
		{ID: 1, Flows: []model.Flow{{ID: "a", Priority: 5}}},
	}
	installed := []model.Table{
		{ID: 0, Flows: []model.Flow{{ID: "a", Priority: 1, Cookie: 42}, {ID: "b", Priority: 9}, {ID: "c"}}},
	}

	d := DiffFlows(desired, installed)

	if len(d.Add) != 1 || d.Add[0].ID != "a" || d.Add[0].TableID != 1 {
		t.Fatalf("Expected flow a in table 1 to be added, got: %+v", d.Add)
	}
	if len(d.Update) != 1 || d.Update[0].Original.Priority != 9 || d.Update[0].Updated.Priority != 2 {
		t.Fatalf("Expected flow b to be updated from priority 9, got: %+v", d.Update)
	}
	if len(d.Remove) != 1 || d.Remove[0].ID != "c" {
		t.Fatalf("Expected flow c to be removed, got: %+v", d.Remove)
	}
}

func TestDiffSnapshots_Nil(t *testing.T) {
	d := DiffSnapshots(fullSnapshot(), nil)
	if d.Groups.Len() != 2 || d.Flows.Len() != 2 || d.Meters.Len() != 1 {
		t.Fatalf("Expected everything to be added, got: %+v", d)
	}
	if !DiffSnapshots(fullSnapshot(), fullSnapshot()).IsEmpty() {
		t.Fatal("Expected identical snapshots to have an empty diff")
	}
}

func TestDiffGroups_RemovalsFollowInstalledOrder(t *testing.T) {
	installed := []model.Group{group(3), group(1), group(2)}
	d := DiffGroups([]model.Group{group(1)}, installed)

	var ids []uint32
	for _, g := range d.Remove {
		ids = append(ids, g.ID)
	}
	if diff := cmp.Diff([]uint32{3, 2}, ids); diff != "" {
		t.Fatalf("Unexpected removals (-want +got):\n%s", diff)
	}
}
