package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/telemetry"
)

// PurgeResult summarises one purge pass.
type PurgeResult struct {
	// Markers are the marker paths recorded for deletion, in removal order.
	Markers []model.Path

	// Deleted is the number of markers whose batch committed.
	Deleted int

	// BatchFailures is the number of marker batches that failed to commit.
	BatchFailures int
}

// StalePurger removes stale-marked entities from a device and then deletes
// their markers from the config store. It is best-effort: every failure is
// logged and the pass always succeeds.
type StalePurger struct {
	reader     SnapshotReader
	committers Committers
	writer     ConfigWriter
	cfg        ReconcilerConfig
	logger     *telemetry.Logger
}

// NewStalePurger creates a stale purger.
func NewStalePurger(reader SnapshotReader, committers Committers, writer ConfigWriter,
	cfg ReconcilerConfig, logger *telemetry.Logger) *StalePurger {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &StalePurger{
		reader:     reader,
		committers: committers,
		writer:     writer,
		cfg:        cfg,
		logger:     logger.NewComponentLogger("stale-purge"),
	}
}

// Reconcile purges the device. It always returns true.
func (p *StalePurger) Reconcile(ctx context.Context, device model.DeviceID, counters *SyncCounters) bool {
	p.Purge(ctx, device, counters)
	return true
}

// Purge removes stale flows, then stale groups, then stale meters, so that no
// group or meter goes before a flow that may still reference it.
func (p *StalePurger) Purge(ctx context.Context, device model.DeviceID, counters *SyncCounters) PurgeResult {
	var res PurgeResult
	logger := p.logger.WithDevice(device.String())

	snap, err := p.reader.ReadSnapshot(ctx, device)
	if err != nil {
		logger.WithError(NewSnapshotUnavailableError(device.String(), err)).Warn("Cannot read snapshot, nothing purged")
		return res
	}
	if snap == nil || snap.StaleCount() == 0 {
		logger.Debug("Nothing to purge")
		return res
	}

	op := telemetry.StartOperation(ctx, "stale.purge", attribute.String("device", device.String()))
	defer op.End(nil)
	ctx = op.Ctx

	ref := device.Ref()

	for _, table := range snap.Tables {
		for _, sf := range table.StaleFlows {
			path := model.FlowPath(device, table.ID, sf.ID)
			h := p.committers.Flows.Remove(ctx, path, sf.Flow, ref)
			counters.Flows().IncRemoved()
			logPurgeFailure(h, logger, path)
			res.Markers = append(res.Markers, model.StaleFlowPath(device, table.ID, sf.ID))
		}
	}

	for _, sg := range snap.StaleGroups {
		path := model.GroupPath(device, sg.ID)
		h := p.committers.Groups.Remove(ctx, path, sg.Group, ref)
		counters.Groups().IncRemoved()
		logPurgeFailure(h, logger, path)
		res.Markers = append(res.Markers, model.StaleGroupPath(device, sg.ID))
	}

	for _, sm := range snap.StaleMeters {
		path := model.MeterPath(device, sm.ID)
		h := p.committers.Meters.Remove(ctx, path, sm.Meter, ref)
		counters.Meters().IncRemoved()
		logPurgeFailure(h, logger, path)
		res.Markers = append(res.Markers, model.StaleMeterPath(device, sm.ID))
	}

	res.Deleted, res.BatchFailures = p.deleteMarkers(ctx, res.Markers, logger)

	logger.WithFields(map[string]interface{}{
		"markers":        len(res.Markers),
		"deleted":        res.Deleted,
		"batch_failures": res.BatchFailures,
	}).Info("Stale entities purged")

	return res
}

// deleteMarkers deletes markers in batches of MarkerBatchSize, each batch in
// its own write transaction. It returns the number of markers deleted and the
// number of failed batches.
func (p *StalePurger) deleteMarkers(ctx context.Context, markers []model.Path, logger *telemetry.Logger) (int, int) {
	if p.writer == nil || len(markers) == 0 {
		return 0, 0
	}

	size := p.cfg.MarkerBatchSize
	if size <= 0 {
		size = DefaultMarkerBatchSize
	}

	deleted, failures := 0, 0
	for start := 0; start < len(markers); start += size {
		end := min(start+size, len(markers))
		batch := markers[start:end]

		if err := p.commitBatch(ctx, batch); err != nil {
			failures++
			logger.WithError(err).WithField("batch_size", len(batch)).Warn("Failed to delete stale markers")
			continue
		}
		deleted += len(batch)
	}

	return deleted, failures
}

func (p *StalePurger) commitBatch(ctx context.Context, batch []model.Path) error {
	tx, err := p.writer.NewWriteTx(ctx)
	if err != nil {
		return NewTransientError("failed to open write transaction", err).WithCode(ErrCodePurgeFailed)
	}
	for _, path := range batch {
		tx.Delete(path)
	}
	if err := tx.Commit(ctx); err != nil {
		return NewTransientError(fmt.Sprintf("failed to commit %d marker deletes", len(batch)), err).
			WithCode(ErrCodePurgeFailed)
	}
	return nil
}

func logPurgeFailure(h *Completion, logger *telemetry.Logger, path model.Path) {
	if h == nil {
		return
	}
	h.OnDone(func(err error) {
		if err != nil {
			logger.WithError(NewTransientError("stale removal failed", err).WithCode(ErrCodePurgeFailed)).
				WithField("path", string(path)).
				Warn("Device rejected stale removal")
		}
	})
}
