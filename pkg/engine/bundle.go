package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/telemetry"
)

// BundleState is a state of the bundle commit state machine.
type BundleState string

const (
	BundleOpening    BundleState = "opening"
	BundleStaging    BundleState = "staging"
	BundleCommitting BundleState = "committing"
	BundleDone       BundleState = "done"
	BundleFailed     BundleState = "failed"
)

// IsTerminal reports whether the state machine stops in s.
func (s BundleState) IsTerminal() bool {
	return s == BundleDone || s == BundleFailed
}

// DefaultBundleFlags are the flags sent with every bundle control message.
var DefaultBundleFlags = BundleFlags{Atomic: true, Ordered: true}

// BuildBundleMessages returns the message sequence that replaces every flow and
// group of the device with the snapshot's: wildcard removal of flows and groups
// followed by every group and every flow. Meters are not part of a bundle.
func BuildBundleMessages(snap *model.DeviceConfigSnapshot) []BundleMessage {
	msgs := make([]BundleMessage, 0, 2+len(snap.Groups)+snap.FlowCount())

	msgs = append(msgs,
		BundleMessage{Kind: BundleRemoveAllFlows, TableID: model.TableAll},
		BundleMessage{Kind: BundleRemoveAllGroups, GroupType: model.GroupTypeAll, GroupID: model.GroupAll},
	)

	for i := range snap.Groups {
		g := snap.Groups[i]
		msgs = append(msgs, BundleMessage{Kind: BundleAddGroup, GroupID: g.ID, GroupType: g.Type, Group: &g})
	}

	for _, table := range snap.Tables {
		for i := range table.Flows {
			f := table.Flows[i]
			msgs = append(msgs, BundleMessage{Kind: BundleAddFlow, TableID: table.ID, Flow: &f})
		}
	}

	return msgs
}

// AtomicBundleReconciler replaces a device's flows and groups in one bundle
// transaction, then pushes meters once the bundle has committed.
type AtomicBundleReconciler struct {
	reader  SnapshotReader
	bundles BundleControl
	meters  Committer[model.Meter]
	ids     BundleIDSource
	cfg     ReconcilerConfig
	logger  *telemetry.Logger
}

// NewAtomicBundleReconciler creates a bundle reconciler. A nil ids source is
// replaced with a counter starting at 1.
func NewAtomicBundleReconciler(reader SnapshotReader, bundles BundleControl, meters Committer[model.Meter],
	ids BundleIDSource, cfg ReconcilerConfig, logger *telemetry.Logger) *AtomicBundleReconciler {
	if ids == nil {
		ids = NewBundleCounter(1)
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &AtomicBundleReconciler{
		reader:  reader,
		bundles: bundles,
		meters:  meters,
		ids:     ids,
		cfg:     cfg,
		logger:  logger.NewComponentLogger("bundle"),
	}
}

// Reconcile commits the device's snapshot as one bundle. It returns false when
// the snapshot is unavailable and otherwise whether the commit succeeded.
func (r *AtomicBundleReconciler) Reconcile(ctx context.Context, device model.DeviceID, counters *SyncCounters) bool {
	logger := r.logger.WithDevice(device.String())

	snap, err := r.reader.ReadSnapshot(ctx, device)
	if err != nil || snap == nil {
		logger.WithError(NewSnapshotUnavailableError(device.String(), err)).
			Warn("No configuration snapshot, skipping bundle reconciliation")
		return false
	}

	tx := &bundleTx{
		control: r.bundles,
		device:  device.Ref(),
		id:      r.ids.NextBundleID(),
		flags:   DefaultBundleFlags,
		timeout: r.cfg.BundleStepTimeout,
		logger:  logger,
	}

	op := telemetry.StartOperation(ctx, "bundle.commit",
		attribute.String("device", device.String()),
		attribute.Int64("bundle.id", int64(tx.id)))
	state := tx.run(op.Ctx, BuildBundleMessages(snap))
	op.End(tx.err)

	if state != BundleDone {
		logger.WithError(tx.err).
			WithFields(map[string]interface{}{"bundle_id": tx.id, "failed_in": tx.failedIn}).
			Warn("Bundle not committed")
		return false
	}

	counters.Groups().AddAdded(int64(len(snap.Groups)))
	counters.Flows().AddAdded(int64(snap.FlowCount()))
	pushMeters(ctx, r.meters, device, snap.Meters, counters, logger)
	return true
}

// bundleTx is one run of the open, stage and commit chain.
type bundleTx struct {
	control BundleControl
	device  model.DeviceRef
	id      BundleID
	flags   BundleFlags
	timeout time.Duration
	logger  *telemetry.Logger

	state    BundleState
	failedIn BundleState
	err      error
}

// run drives the state machine to a terminal state. Each step only starts when
// the previous one resolved successfully.
func (tx *bundleTx) run(ctx context.Context, msgs []BundleMessage) BundleState {
	tx.state = BundleOpening

	for !tx.state.IsTerminal() {
		var h *Completion
		switch tx.state {
		case BundleOpening:
			h = tx.control.OpenBundle(ctx, tx.device, tx.id, tx.flags)
		case BundleStaging:
			h = tx.control.StageMessages(ctx, tx.device, tx.id, tx.flags, msgs)
		case BundleCommitting:
			h = tx.control.CommitBundle(ctx, tx.device, tx.id, tx.flags)
		}

		if err := tx.await(ctx, h); err != nil {
			tx.failedIn = tx.state
			tx.err = fmt.Errorf("bundle %d %s: %w", tx.id, tx.state, err)
			tx.state = BundleFailed
			break
		}

		tx.logger.WithFields(map[string]interface{}{"bundle_id": tx.id, "step": tx.state}).Debug("Bundle step confirmed")
		tx.state = tx.next()
	}

	return tx.state
}

func (tx *bundleTx) await(ctx context.Context, h *Completion) error {
	if h == nil {
		return NewAsyncFailedError(string(tx.state), fmt.Errorf("no completion returned"))
	}
	if err := h.Wait(ctx, tx.timeout); err != nil {
		return NewAsyncFailedError(string(tx.state), err)
	}
	return nil
}

func (tx *bundleTx) next() BundleState {
	switch tx.state {
	case BundleOpening:
		return BundleStaging
	case BundleStaging:
		return BundleCommitting
	case BundleCommitting:
		return BundleDone
	default:
		return BundleFailed
	}
}
