package model

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// equalOpts treats nil and empty collections as equal so that snapshots decoded
// from different sources compare structurally.
var equalOpts = []cmp.Option{
	cmpopts.EquateEmpty(),
}

// GroupsEqual reports whether two groups are structurally equal
// (id, type, buckets and actions).
func GroupsEqual(a, b Group) bool {
	return cmp.Equal(a, b, equalOpts...)
}

// MetersEqual reports whether two meters are structurally equal.
func MetersEqual(a, b Meter) bool {
	return cmp.Equal(a, b, equalOpts...)
}

// FlowsEqual reports whether two flows program the same rule. The cookie is
// controller bookkeeping and does not take part in the comparison.
func FlowsEqual(a, b Flow) bool {
	return cmp.Equal(a, b, append(equalOpts, cmpopts.IgnoreFields(Flow{}, "Cookie"))...)
}

// DiffGroups returns a human readable diff of two groups, empty when equal.
func DiffGroups(a, b Group) string {
	return cmp.Diff(a, b, equalOpts...)
}
