// Package engine reconciles the forwarding state of network devices with the
// state held in the configuration store.
//
// # Overview
//
// A reconciliation pass reads one DeviceConfigSnapshot and pushes it through
// per-kind committers whose operations complete asynchronously. Three
// strategies are available:
//
//  1. Full state - push table features, groups, meters and flows, ordering
//     groups by their references and by the readiness of the ports they use
//     (FullStateReconciler)
//  2. Bundle - replace every flow and group in one atomic device transaction,
//     then push meters (AtomicBundleReconciler)
//  3. Incremental - diff against the operational snapshot and push only the
//     difference, with a barrier after every group wave (IncrementalSyncer)
//
// Stale-marked entities are removed by the StalePurger, which then deletes
// their markers from the store in batches.
//
// # Group Ordering
//
// Groups are the only entities that depend on each other. The
// GroupDependencyResolver batches pending groups into waves: a group is placed
// in a wave only when every group it forwards to is installed or was placed in
// an earlier wave. A pass that places nothing while groups remain fails with a
// dependency cycle error.
//
//	plan, err := NewGroupDependencyResolver().Resolve(installed, snapshot.Groups)
//	if IsDependencyCycle(err) {
//	    log.Printf("stuck groups: %v", StuckGroups(err))
//	}
//
// # Outcomes
//
// Every reconciler reports a single boolean: whether the pass ran to
// completion. Failures of individual device operations are logged and never
// change the outcome. SyncCounters collect what a pass issued for
// observability only.
//
// # Scheduling
//
// The Dispatcher runs at most one task per device at a time on a bounded pool,
// keeps the coordination registries up to date and records each task as a Run.
//
// # Error Classification
//
// Errors are classified for retry decisions:
//
//   - Transient: snapshot reads, device timeouts, cancelled waits
//   - Permanent: dependency cycles and invalid configuration
//
//	if IsRetryable(err) {
//	    // try again on the next pass
//	}
package engine
