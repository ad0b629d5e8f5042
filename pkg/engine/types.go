package engine

import (
	"context"
	"time"

	"github.com/openfroyo/flowsync/pkg/model"
)

// Run is the record of one dispatcher task.
type Run struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`

	// Device is the device the task worked on.
	Device model.DeviceID `json:"device"`

	// Kind is the work the task performed.
	Kind TaskKind `json:"kind"`

	// Strategy is the reconciler used. Empty for purge-only tasks.
	Strategy Strategy `json:"strategy,omitempty"`

	// Outcome is the final state of the task.
	Outcome Outcome `json:"outcome"`

	// StartedAt is when the task started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the task completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total task duration.
	Duration time.Duration `json:"duration"`

	// Summary holds the operations issued by the task.
	Summary RunSummary `json:"summary"`
}

// RunSummary provides the operation counts of a task.
type RunSummary struct {
	FlowsAdded     int64 `json:"flows_added"`
	FlowsUpdated   int64 `json:"flows_updated"`
	FlowsRemoved   int64 `json:"flows_removed"`
	GroupsAdded    int64 `json:"groups_added"`
	GroupsUpdated  int64 `json:"groups_updated"`
	GroupsRemoved  int64 `json:"groups_removed"`
	MetersAdded    int64 `json:"meters_added"`
	MetersUpdated  int64 `json:"meters_updated"`
	MetersRemoved  int64 `json:"meters_removed"`
	ForcedGroups   int64 `json:"forced_groups"`
	CyclesDetected int64 `json:"cycles_detected"`
}

// SummaryOf copies the current values of counters.
func SummaryOf(c *SyncCounters) RunSummary {
	return RunSummary{
		FlowsAdded:     c.Flows().Added(),
		FlowsUpdated:   c.Flows().Updated(),
		FlowsRemoved:   c.Flows().Removed(),
		GroupsAdded:    c.Groups().Added(),
		GroupsUpdated:  c.Groups().Updated(),
		GroupsRemoved:  c.Groups().Removed(),
		MetersAdded:    c.Meters().Added(),
		MetersUpdated:  c.Meters().Updated(),
		MetersRemoved:  c.Meters().Removed(),
		ForcedGroups:   c.ForcedGroups(),
		CyclesDetected: c.DependencyCycles(),
	}
}

// RunRecorder persists finished tasks.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *Run) error
}
