package engine

import (
	"fmt"
)

// Strategy selects how a device is reconciled.
type Strategy string

const (
	// StrategyFullState pushes the whole snapshot with dependency- and readiness-aware group ordering.
	StrategyFullState Strategy = "full-state"

	// StrategyBundle replaces the device state in one atomic bundle.
	StrategyBundle Strategy = "bundle"

	// StrategyIncremental diffs the snapshot against the operational state and pushes only the difference.
	StrategyIncremental Strategy = "incremental"
)

// Validate checks if the strategy is valid.
func (s Strategy) Validate() error {
	switch s {
	case StrategyFullState, StrategyBundle, StrategyIncremental:
		return nil
	default:
		return fmt.Errorf("invalid reconciliation strategy: %s", s)
	}
}

// CyclePolicy decides what happens to the rest of a pass when the groups of a
// snapshot contain a dependency cycle or a reference to an unknown group.
type CyclePolicy string

const (
	// CyclePolicyContinue installs the groups that can be ordered, force-installs
	// the rest and goes on with meters and flows.
	CyclePolicyContinue CyclePolicy = "continue"

	// CyclePolicyAbort ends the pass with a failed outcome before any group is pushed.
	CyclePolicyAbort CyclePolicy = "abort"
)

// Validate checks if the cycle policy is valid.
func (p CyclePolicy) Validate() error {
	switch p {
	case CyclePolicyContinue, CyclePolicyAbort:
		return nil
	default:
		return fmt.Errorf("invalid cycle policy: %s", p)
	}
}

// ForcedInstallPolicy decides what happens after groups had to be installed
// without their preconditions.
type ForcedInstallPolicy string

const (
	// ForcedInstallProceed pushes meters and flows regardless.
	ForcedInstallProceed ForcedInstallPolicy = "proceed"

	// ForcedInstallSkipDownstream skips meters and flows and fails the pass.
	ForcedInstallSkipDownstream ForcedInstallPolicy = "skip-downstream"
)

// Validate checks if the forced-install policy is valid.
func (p ForcedInstallPolicy) Validate() error {
	switch p {
	case ForcedInstallProceed, ForcedInstallSkipDownstream:
		return nil
	default:
		return fmt.Errorf("invalid forced-install policy: %s", p)
	}
}

// TaskKind names the work a dispatcher task performed.
type TaskKind string

const (
	TaskKindReconcile TaskKind = "reconcile"
	TaskKindPurge     TaskKind = "purge"
	TaskKindSkipped   TaskKind = "skipped"
)

// Outcome is the final state of a dispatcher task.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// OutcomeOf converts a pass result to an Outcome.
func OutcomeOf(ok bool) Outcome {
	if ok {
		return OutcomeSucceeded
	}
	return OutcomeFailed
}
