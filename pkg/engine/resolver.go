package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openfroyo/flowsync/pkg/model"
)

// GroupChange is an update of an installed group.
type GroupChange struct {
	// Original is the group as currently installed.
	Original model.Group `json:"original"`

	// Updated is the desired group.
	Updated model.Group `json:"updated"`
}

// InstallationWave is one batch of groups whose dependencies are all satisfied
// by the groups installed or decided in earlier waves.
type InstallationWave struct {
	// ItemsToAdd are groups that do not exist yet.
	ItemsToAdd []model.Group `json:"items_to_add,omitempty"`

	// ItemsToUpdate are installed groups whose content changed.
	ItemsToUpdate []GroupChange `json:"items_to_update,omitempty"`
}

// IsEmpty reports whether the wave carries no work.
func (w InstallationWave) IsEmpty() bool {
	return len(w.ItemsToAdd) == 0 && len(w.ItemsToUpdate) == 0
}

// Len returns the number of groups in the wave.
func (w InstallationWave) Len() int {
	return len(w.ItemsToAdd) + len(w.ItemsToUpdate)
}

// Plan is the ordered list of installation waves produced by the resolver.
// Waves are never modified once the resolver has appended them.
type Plan struct {
	Waves []InstallationWave `json:"waves"`
}

// Depth returns the number of waves.
func (p *Plan) Depth() int {
	return len(p.Waves)
}

// Len returns the number of groups across all waves.
func (p *Plan) Len() int {
	n := 0
	for _, w := range p.Waves {
		n += w.Len()
	}
	return n
}

// Groups returns every desired group in wave order, adds before updates within a wave.
func (p *Plan) Groups() []model.Group {
	out := make([]model.Group, 0, p.Len())
	for _, w := range p.Waves {
		out = append(out, w.ItemsToAdd...)
		for _, c := range w.ItemsToUpdate {
			out = append(out, c.Updated)
		}
	}
	return out
}

// Rank maps each planned group id to the index of its wave.
func (p *Plan) Rank() map[uint32]int {
	rank := make(map[uint32]int, p.Len())
	for i, w := range p.Waves {
		for _, g := range w.ItemsToAdd {
			rank[g.ID] = i
		}
		for _, c := range w.ItemsToUpdate {
			rank[c.Updated.ID] = i
		}
	}
	return rank
}

// GroupDependencyResolver batches pending groups into installation waves so that
// a group is only pushed after every group it forwards to.
type GroupDependencyResolver struct{}

// NewGroupDependencyResolver creates a resolver.
func NewGroupDependencyResolver() *GroupDependencyResolver {
	return &GroupDependencyResolver{}
}

// Resolve computes the installation plan of pending against installed. Neither
// argument is modified. Groups identical to their installed counterpart are
// dropped. When a pass places no group while some are still pending, Resolve
// fails with a dependency cycle error and returns no plan.
func (r *GroupDependencyResolver) Resolve(installed map[uint32]model.Group, pending []model.Group) (*Plan, error) {
	plan, stuck := r.ResolvePartial(installed, pending)
	if len(stuck) > 0 {
		return nil, NewDependencyCycleError(groupIDs(stuck))
	}
	return plan, nil
}

// ResolvePartial is Resolve without the failure: it returns the waves placed
// before no further progress was possible, together with the groups left
// unplaced in their pending order. stuck is empty iff Resolve succeeds.
func (r *GroupDependencyResolver) ResolvePartial(installed map[uint32]model.Group, pending []model.Group) (plan *Plan, stuck []model.Group) {
	known := maps.Clone(installed)
	if known == nil {
		known = make(map[uint32]model.Group)
	}

	knownIDs := mapset.NewThreadUnsafeSet[uint32]()
	for id := range known {
		knownIDs.Add(id)
	}

	remaining := slices.Clone(pending)
	plan = &Plan{Waves: make([]InstallationWave, 0)}

	for len(remaining) > 0 {
		var wave InstallationWave
		increment := make(map[uint32]model.Group)
		deferred := make([]model.Group, 0)

		for _, g := range remaining {
			// Groups decided in this pass stay invisible until the next one.
			if !GroupPreconditionMet(knownIDs, g) {
				deferred = append(deferred, g)
				continue
			}

			if existing, ok := known[g.ID]; ok {
				if !model.GroupsEqual(existing, g) {
					wave.ItemsToUpdate = append(wave.ItemsToUpdate, GroupChange{Original: existing, Updated: g})
				}
				continue
			}

			wave.ItemsToAdd = append(wave.ItemsToAdd, g)
			increment[g.ID] = g
		}

		if wave.IsEmpty() {
			return plan, deferred
		}

		plan.Waves = append(plan.Waves, wave)
		for id, g := range increment {
			known[id] = g
			knownIDs.Add(id)
		}
		remaining = deferred
	}

	return plan, nil
}

func groupIDs(groups []model.Group) []uint32 {
	ids := make([]uint32, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	return ids
}

// GroupPreconditionMet reports whether every group referenced from g's buckets
// is in installed. A single unmet reference fails the whole group.
func GroupPreconditionMet(installed mapset.Set[uint32], g model.Group) bool {
	for _, id := range g.ReferencedGroups() {
		if !installed.Contains(id) {
			return false
		}
	}
	return true
}

// ToDOT generates a DOT representation of the plan for visualization.
// Edges point from a referenced group to the group that forwards to it.
func (p *Plan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph GroupPlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, w := range p.Waves {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_wave_%d {\n", i))
		sb.WriteString(fmt.Sprintf("    label=\"Wave %d\";\n", i))
		sb.WriteString("    style=dashed;\n")

		for _, g := range w.ItemsToAdd {
			sb.WriteString(fmt.Sprintf("    \"g%d\" [label=\"group %d\\n%s\", fillcolor=\"lightgreen\", style=\"filled,rounded\"];\n",
				g.ID, g.ID, g.Type))
		}
		for _, c := range w.ItemsToUpdate {
			sb.WriteString(fmt.Sprintf("    \"g%d\" [label=\"group %d\\n%s\", fillcolor=\"lightblue\", style=\"filled,rounded\"];\n",
				c.Updated.ID, c.Updated.ID, c.Updated.Type))
		}

		sb.WriteString("  }\n\n")
	}

	for _, g := range p.Groups() {
		for _, ref := range g.ReferencedGroups() {
			sb.WriteString(fmt.Sprintf("  \"g%d\" -> \"g%d\";\n", ref, g.ID))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
