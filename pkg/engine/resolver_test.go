package engine

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/openfroyo/flowsync/pkg/model"
)

func waveIDs(plan *Plan) [][]uint32 {
	out := make([][]uint32, 0, plan.Depth())
	for _, w := range plan.Waves {
		ids := make([]uint32, 0, w.Len())
		for _, g := range w.ItemsToAdd {
			ids = append(ids, g.ID)
		}
		for _, c := range w.ItemsToUpdate {
			ids = append(ids, c.Updated.ID)
		}
		out = append(out, ids)
	}
	return out
}

func TestResolver_DependentGroupScenario(t *testing.T) {
	g1 := group(1, groupRef(2))
	g2 := group(2, outputTo("1"))

	plan, err := NewGroupDependencyResolver().Resolve(nil, []model.Group{g1, g2})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := [][]uint32{{2}, {1}}
	if diff := cmp.Diff(want, waveIDs(plan)); diff != "" {
		t.Fatalf("Unexpected waves (-want +got):\n%s", diff)
	}
	if len(plan.Waves[0].ItemsToUpdate) != 0 || len(plan.Waves[1].ItemsToUpdate) != 0 {
		t.Fatal("Expected only adds for groups not installed")
	}
}

func TestResolver_SamePassDecisionDeferred(t *testing.T) {
	// g2 is placed before g1 is scanned, yet g1 must still wait for the next wave.
	g1 := group(1, groupRef(2))
	g2 := group(2)

	plan, err := NewGroupDependencyResolver().Resolve(nil, []model.Group{g2, g1})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if diff := cmp.Diff([][]uint32{{2}, {1}}, waveIDs(plan)); diff != "" {
		t.Fatalf("Unexpected waves (-want +got):\n%s", diff)
	}
}

func TestResolver_InstalledDependency(t *testing.T) {
	installed := map[uint32]model.Group{2: group(2)}

	plan, err := NewGroupDependencyResolver().Resolve(installed, []model.Group{group(1, groupRef(2))})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if diff := cmp.Diff([][]uint32{{1}}, waveIDs(plan)); diff != "" {
		t.Fatalf("Unexpected waves (-want +got):\n%s", diff)
	}
}

func TestResolver_Cycle(t *testing.T) {
	pending := []model.Group{
		group(1, groupRef(2)),
		group(2, groupRef(1)),
		group(3),
	}

	plan, err := NewGroupDependencyResolver().Resolve(nil, pending)
	if err == nil {
		t.Fatal("Expected dependency cycle error")
	}
	if plan != nil {
		t.Fatalf("Expected no partial plan, got: %v", waveIDs(plan))
	}
	if !IsDependencyCycle(err) {
		t.Fatalf("Expected dependency cycle error, got: %v", err)
	}
	if !IsPermanent(err) {
		t.Fatal("Expected dependency cycle to be permanent")
	}
	if diff := cmp.Diff([]uint32{1, 2}, StuckGroups(err)); diff != "" {
		t.Fatalf("Unexpected stuck groups (-want +got):\n%s", diff)
	}
}

func TestResolver_MissingReference(t *testing.T) {
	_, err := NewGroupDependencyResolver().Resolve(nil, []model.Group{group(1, groupRef(99))})
	if !IsDependencyCycle(err) {
		t.Fatalf("Expected reference to unknown group to fail, got: %v", err)
	}
}

func TestResolver_ResolvePartial(t *testing.T) {
	pending := []model.Group{
		group(1, groupRef(2)),
		group(2, groupRef(1)),
		group(3),
		group(4, groupRef(3)),
		group(5, groupRef(99)),
	}
	plan, stuck := NewGroupDependencyResolver().ResolvePartial(nil, pending)

	if diff := cmp.Diff([]uint32{3, 4}, groupIDs(plan.Groups())); diff != "" {
		t.Fatalf("Unexpected ordered groups (-want +got):\n%s", diff)
	}
	if plan.Depth() != 2 {
		t.Fatalf("Expected 2 waves, got: %d", plan.Depth())
	}
	if diff := cmp.Diff([]uint32{1, 2, 5}, groupIDs(stuck)); diff != "" {
		t.Fatalf("Unexpected stuck groups (-want +got):\n%s", diff)
	}
}

func TestResolver_NoOpStability(t *testing.T) {
	g1 := group(1, groupRef(2))
	g2 := group(2, outputTo("3"))
	installed := map[uint32]model.Group{1: g1, 2: g2}

	plan, err := NewGroupDependencyResolver().Resolve(installed, []model.Group{g1, g2})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if plan.Len() != 0 || plan.Depth() != 0 {
		t.Fatalf("Expected empty plan, got: %v", waveIDs(plan))
	}
}

func TestResolver_Update(t *testing.T) {
	original := group(5, outputTo("1"))
	updated := group(5, outputTo("2"))

	plan, err := NewGroupDependencyResolver().Resolve(map[uint32]model.Group{5: original}, []model.Group{updated})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if plan.Depth() != 1 || len(plan.Waves[0].ItemsToUpdate) != 1 {
		t.Fatalf("Expected one update, got: %+v", plan.Waves)
	}
	change := plan.Waves[0].ItemsToUpdate[0]
	if diff := cmp.Diff(original, change.Original); diff != "" {
		t.Fatalf("Unexpected original (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(updated, change.Updated); diff != "" {
		t.Fatalf("Unexpected updated (-want +got):\n%s", diff)
	}
}

func TestResolver_DoesNotModifyInputs(t *testing.T) {
	installed := map[uint32]model.Group{9: group(9)}
	pending := []model.Group{group(1, groupRef(2)), group(2)}

	if _, err := NewGroupDependencyResolver().Resolve(installed, pending); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(installed) != 1 {
		t.Fatalf("Expected installed to be untouched, got %d entries", len(installed))
	}
	if pending[0].ID != 1 || pending[1].ID != 2 {
		t.Fatal("Expected pending to be untouched")
	}
}

func TestPlan_RankAndDOT(t *testing.T) {
	plan, err := NewGroupDependencyResolver().Resolve(nil, []model.Group{group(1, groupRef(2)), group(2)})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	rank := plan.Rank()
	if rank[2] != 0 || rank[1] != 1 {
		t.Fatalf("Expected ranks 2->0 and 1->1, got: %v", rank)
	}

	dot := plan.ToDOT()
	for _, want := range []string{"digraph GroupPlan", "cluster_wave_0", "\"g2\" -> \"g1\""} {
		if !strings.Contains(dot, want) {
			t.Fatalf("Expected DOT output to contain %q, got:\n%s", want, dot)
		}
	}
}

// TestResolver_WaveOrderingProperty checks that every group lands strictly
// after all groups it references, for random acyclic reference graphs.
func TestResolver_WaveOrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 25).Draw(t, "groups")

		groups := make([]model.Group, 0, n)
		for i := 1; i <= n; i++ {
			var actions []model.Action
			for j := 1; j < i; j++ {
				if rapid.IntRange(0, 3).Draw(t, "edge") == 0 {
					actions = append(actions, groupRef(uint32(j)))
				}
			}
			groups = append(groups, group(uint32(i), actions...))
		}
		pending := rapid.Permutation(groups).Draw(t, "order")

		plan, err := NewGroupDependencyResolver().Resolve(nil, pending)
		if err != nil {
			t.Fatalf("Expected acyclic graph to resolve, got: %v", err)
		}
		if plan.Len() != n {
			t.Fatalf("Expected %d groups in plan, got: %d", n, plan.Len())
		}

		rank := plan.Rank()
		for _, g := range groups {
			for _, ref := range g.ReferencedGroups() {
				if rank[ref] >= rank[g.ID] {
					t.Fatalf("Group %d in wave %d references group %d in wave %d", g.ID, rank[g.ID], ref, rank[ref])
				}
			}
		}
	})
}
