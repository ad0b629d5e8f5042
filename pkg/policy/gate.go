package policy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/telemetry"
)

// DeniedError is wrapped into the snapshot-unavailable error returned for a
// snapshot that failed policy evaluation.
type DeniedError struct {
	Result *Result
}

func (e *DeniedError) Error() string {
	v, ok := e.Result.FirstViolation()
	if !ok {
		return "snapshot denied by policy"
	}
	if n := len(e.Result.Violations); n > 1 {
		return fmt.Sprintf("snapshot denied by policy %s: %s (and %d more)", v.Policy, v.Message, n-1)
	}
	return fmt.Sprintf("snapshot denied by policy %s: %s", v.Policy, v.Message)
}

// GatedReader evaluates every snapshot it reads and reports denied snapshots
// as unavailable, so no reconciler ever pushes them.
type GatedReader struct {
	reader engine.SnapshotReader
	policy *Engine
	events *telemetry.EventPublisher
	logger zerolog.Logger
}

// GateOption configures a GatedReader.
type GateOption func(*GatedReader)

// WithEventPublisher publishes a policy violation event for every blocking violation.
func WithEventPublisher(events *telemetry.EventPublisher) GateOption {
	return func(g *GatedReader) {
		g.events = events
	}
}

// NewGatedReader wraps reader with policy evaluation.
func NewGatedReader(reader engine.SnapshotReader, policy *Engine, logger zerolog.Logger, opts ...GateOption) *GatedReader {
	g := &GatedReader{
		reader: reader,
		policy: policy,
		logger: logger.With().Str("component", "policy-gate").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ReadSnapshot implements engine.SnapshotReader.
func (g *GatedReader) ReadSnapshot(ctx context.Context, device model.DeviceID) (*model.DeviceConfigSnapshot, error) {
	snap, err := g.reader.ReadSnapshot(ctx, device)
	if err != nil || snap == nil {
		return snap, err
	}

	result, err := g.policy.Evaluate(ctx, snap)
	if err != nil {
		return nil, engine.NewSnapshotUnavailableError(string(device), err)
	}

	for _, w := range result.Warnings {
		g.logger.Warn().
			Str("device", string(device)).
			Str("policy", w.Policy).
			Str("entity", w.Entity).
			Msg(w.Message)
	}

	if result.Allowed {
		return snap, nil
	}

	for _, v := range result.Violations {
		g.logger.Error().
			Str("device", string(device)).
			Str("policy", v.Policy).
			Str("entity", v.Entity).
			Msg(v.Message)
		if g.events != nil {
			if err := g.events.PublishPolicyViolation(string(device), v.Policy, v.Message); err != nil {
				g.logger.Debug().Err(err).Msg("Failed to publish policy violation")
			}
		}
	}

	return nil, engine.NewSnapshotUnavailableError(string(device), &DeniedError{Result: result})
}
