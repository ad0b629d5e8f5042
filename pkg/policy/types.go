package policy

import (
	"time"

	"github.com/openfroyo/flowsync/pkg/model"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not block a snapshot.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the snapshot from being pushed.
	SeverityError Severity = "error"

	// SeverityCritical blocks the snapshot and should page someone.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny a snapshot.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego module. Violations are produced by its deny rule.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is the file the policy was loaded from. Empty for built-ins.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Entity identifies the offending flow, group, meter or table, e.g. "group/4".
	Entity string `json:"entity,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the outcome of evaluating all enabled policies against a snapshot.
type Result struct {
	// Device is the device whose snapshot was evaluated.
	Device model.DeviceID `json:"device"`

	// Allowed is false when at least one blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// FirstViolation returns the first blocking violation, if any.
func (r *Result) FirstViolation() (Violation, bool) {
	if r == nil || len(r.Violations) == 0 {
		return Violation{}, false
	}
	return r.Violations[0], true
}

// Input is the document policies see as input.
type Input struct {
	// Snapshot is the device configuration being evaluated.
	Snapshot *model.DeviceConfigSnapshot `json:"snapshot"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Operation is what the snapshot is about to be used for, e.g. "reconcile" or "validate".
	Operation string `json:"operation,omitempty"`

	// Environment is the deployment environment.
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}
