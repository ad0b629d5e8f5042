package engine

import (
	"github.com/openfroyo/flowsync/pkg/model"
)

// Change is an update of an installed entity.
type Change[T any] struct {
	Original T `json:"original"`
	Updated  T `json:"updated"`
}

// EntityDiff lists the operations that turn an installed set into a desired one.
type EntityDiff[T any] struct {
	Add    []T         `json:"add,omitempty"`
	Update []Change[T] `json:"update,omitempty"`
	Remove []T         `json:"remove,omitempty"`
}

// IsEmpty reports whether the diff carries no operations.
func (d EntityDiff[T]) IsEmpty() bool {
	return len(d.Add) == 0 && len(d.Update) == 0 && len(d.Remove) == 0
}

// Len returns the number of operations in the diff.
func (d EntityDiff[T]) Len() int {
	return len(d.Add) + len(d.Update) + len(d.Remove)
}

// diffBy compares desired against installed by key. Adds and updates follow
// desired order, removals follow installed order.
func diffBy[T any, K comparable](desired, installed []T, key func(T) K, equal func(a, b T) bool) EntityDiff[T] {
	var d EntityDiff[T]

	have := make(map[K]T, len(installed))
	for _, item := range installed {
		have[key(item)] = item
	}

	want := make(map[K]struct{}, len(desired))
	for _, item := range desired {
		k := key(item)
		want[k] = struct{}{}

		existing, ok := have[k]
		switch {
		case !ok:
			d.Add = append(d.Add, item)
		case !equal(existing, item):
			d.Update = append(d.Update, Change[T]{Original: existing, Updated: item})
		}
	}

	for _, item := range installed {
		if _, ok := want[key(item)]; !ok {
			d.Remove = append(d.Remove, item)
		}
	}

	return d
}

// DiffMeters compares meters by id.
func DiffMeters(desired, installed []model.Meter) EntityDiff[model.Meter] {
	return diffBy(desired, installed, func(m model.Meter) uint32 { return m.ID }, model.MetersEqual)
}

// DiffGroups compares groups by id. The resolver orders adds and updates; the
// diff is used for removals and reporting.
func DiffGroups(desired, installed []model.Group) EntityDiff[model.Group] {
	return diffBy(desired, installed, func(g model.Group) uint32 { return g.ID }, model.GroupsEqual)
}

type flowKey struct {
	table uint8
	id    string
}

// DiffFlows compares the flows of two table lists by table and flow id. Every
// returned flow carries the id of the table it was listed under.
func DiffFlows(desired, installed []model.Table) EntityDiff[model.Flow] {
	return diffBy(flattenFlows(desired), flattenFlows(installed),
		func(f model.Flow) flowKey { return flowKey{table: f.TableID, id: f.ID} },
		model.FlowsEqual)
}

func flattenFlows(tables []model.Table) []model.Flow {
	var out []model.Flow
	for _, t := range tables {
		for _, f := range t.Flows {
			f.TableID = t.ID
			out = append(out, f)
		}
	}
	return out
}

// SnapshotDiff is the full difference between a desired and an installed snapshot.
type SnapshotDiff struct {
	Flows  EntityDiff[model.Flow]  `json:"flows"`
	Groups EntityDiff[model.Group] `json:"groups"`
	Meters EntityDiff[model.Meter] `json:"meters"`
}

// IsEmpty reports whether the two snapshots already agree.
func (d SnapshotDiff) IsEmpty() bool {
	return d.Flows.IsEmpty() && d.Groups.IsEmpty() && d.Meters.IsEmpty()
}

// DiffSnapshots compares desired against installed. A nil installed snapshot
// is treated as an empty device.
func DiffSnapshots(desired, installed *model.DeviceConfigSnapshot) SnapshotDiff {
	if installed == nil {
		installed = &model.DeviceConfigSnapshot{}
	}
	if desired == nil {
		desired = &model.DeviceConfigSnapshot{}
	}
	return SnapshotDiff{
		Flows:  DiffFlows(desired.Tables, installed.Tables),
		Groups: DiffGroups(desired.Groups, installed.Groups),
		Meters: DiffMeters(desired.Meters, installed.Meters),
	}
}
