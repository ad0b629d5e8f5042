package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		groupBucketsPolicy(),
		selectWeightsPolicy(),
		referencesPolicy(),
		fastFailoverWatchPolicy(),
		tableRangePolicy(),
	}
}

// groupBucketsPolicy rejects groups that cannot forward anything.
func groupBucketsPolicy() Policy {
	return Policy{
		Name:        "group-buckets",
		Description: "Groups must carry at least one bucket; indirect groups exactly one",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"groups"},
		Rego: `package flowsync.policies.group_buckets

import rego.v1

buckets(group) := group.buckets if {
	is_array(group.buckets)
} else := []

deny contains violation if {
	some group in input.snapshot.groups
	count(buckets(group)) == 0
	violation := {
		"message": sprintf("group %v has no buckets", [group.id]),
		"entity": sprintf("group/%v", [group.id]),
	}
}

deny contains violation if {
	some group in input.snapshot.groups
	group.type == "indirect"
	count(buckets(group)) > 1
	violation := {
		"message": sprintf("indirect group %v has %v buckets, expected one", [group.id, count(group.buckets)]),
		"entity": sprintf("group/%v", [group.id]),
	}
}`,
	}
}

// selectWeightsPolicy requires a weight on every bucket of a select group.
func selectWeightsPolicy() Policy {
	return Policy{
		Name:        "select-weights",
		Description: "Buckets of select groups must carry a non-zero weight",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"groups"},
		Rego: `package flowsync.policies.select_weights

import rego.v1

deny contains violation if {
	some group in input.snapshot.groups
	group.type == "select"
	some bucket in group.buckets
	object.get(bucket, "weight", 0) == 0
	violation := {
		"message": sprintf("bucket %v of select group %v has no weight", [bucket.id, group.id]),
		"entity": sprintf("group/%v", [group.id]),
	}
}`,
	}
}

// referencesPolicy rejects flows and buckets that point at meters or groups
// missing from the snapshot.
func referencesPolicy() Policy {
	return Policy{
		Name:        "references",
		Description: "Meter and group references must resolve within the snapshot",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"flows", "groups", "meters"},
		Rego: `package flowsync.policies.references

import rego.v1

meter_ids contains meter.id if {
	some meter in input.snapshot.meters
}

group_ids contains group.id if {
	some group in input.snapshot.groups
}

deny contains violation if {
	some table in input.snapshot.tables
	some flow in table.flows
	meter := flow.instructions.meter_id
	not meter in meter_ids
	violation := {
		"message": sprintf("flow %s references unknown meter %v", [flow.id, meter]),
		"entity": sprintf("flow/%v/%s", [table.id, flow.id]),
	}
}

deny contains violation if {
	some table in input.snapshot.tables
	some flow in table.flows
	some action in flow.instructions.apply_actions
	action.type == "group"
	target := object.get(action, "group_id", 0)
	not target in group_ids
	violation := {
		"message": sprintf("flow %s references unknown group %v", [flow.id, target]),
		"entity": sprintf("flow/%v/%s", [table.id, flow.id]),
	}
}

deny contains violation if {
	some group in input.snapshot.groups
	some bucket in group.buckets
	some action in bucket.actions
	action.type == "group"
	target := object.get(action, "group_id", 0)
	not target in group_ids
	violation := {
		"message": sprintf("group %v references unknown group %v", [group.id, target]),
		"entity": sprintf("group/%v", [group.id]),
	}
}`,
	}
}

// fastFailoverWatchPolicy warns about fast-failover buckets that can never
// become live.
func fastFailoverWatchPolicy() Policy {
	return Policy{
		Name:        "fast-failover-watch",
		Description: "Fast-failover buckets should watch a port or a group",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"groups"},
		Rego: `package flowsync.policies.fast_failover_watch

import rego.v1

deny contains violation if {
	some group in input.snapshot.groups
	group.type == "fast-failover"
	some bucket in group.buckets
	not bucket.watch_port
	not bucket.watch_group
	violation := {
		"message": sprintf("bucket %v of fast-failover group %v watches nothing", [bucket.id, group.id]),
		"entity": sprintf("group/%v", [group.id]),
	}
}`,
	}
}

// tableRangePolicy keeps table ids and goto targets within the pipeline.
func tableRangePolicy() Policy {
	return Policy{
		Name:        "table-range",
		Description: "Table ids must not exceed 254 and goto-table must move forward",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"tables", "flows"},
		Rego: `package flowsync.policies.table_range

import rego.v1

deny contains violation if {
	some table in input.snapshot.tables
	table.id > 254
	violation := {
		"message": sprintf("table %v is out of range", [table.id]),
		"entity": sprintf("table/%v", [table.id]),
	}
}

deny contains violation if {
	some table in input.snapshot.tables
	some flow in table.flows
	next := flow.instructions.goto_table
	next <= table.id
	violation := {
		"message": sprintf("flow %s in table %v jumps back to table %v", [flow.id, table.id, next]),
		"entity": sprintf("flow/%v/%s", [table.id, flow.id]),
	}
}

deny contains violation if {
	some table in input.snapshot.tables
	some flow in table.flows
	next := flow.instructions.goto_table
	next > 254
	violation := {
		"message": sprintf("flow %s jumps to table %v which is out of range", [flow.id, next]),
		"entity": sprintf("flow/%v/%s", [table.id, flow.id]),
	}
}`,
	}
}
