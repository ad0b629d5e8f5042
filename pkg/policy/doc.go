// Package policy gates device snapshots with Open Policy Agent.
//
// Every policy is a Rego module whose deny rule yields violations. A
// violation is either a string or an object with message, entity and an
// optional severity overriding the policy default. Policies see the snapshot
// as input.snapshot, using the JSON field names of the model package, and
// evaluation context as input.context.
//
// Built-in policies reject groups without buckets, select buckets without a
// weight, dangling meter and group references, and goto-table jumps that do
// not move forward. Fast-failover buckets that watch nothing produce a
// warning. Further policies are loaded from .rego or .json files:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/flowsync/policies"}); err != nil {
//	    return err
//	}
//	result, err := eng.Evaluate(ctx, snap)
//
// GatedReader wraps an engine.SnapshotReader so that a denied snapshot is
// reported as unavailable and never reaches a reconciler.
package policy
