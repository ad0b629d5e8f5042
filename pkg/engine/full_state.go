package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/telemetry"
)

// FullStateReconciler pushes a device's complete desired state: table features,
// then groups in dependency and port-readiness order, then meters, then flows.
type FullStateReconciler struct {
	reader     SnapshotReader
	committers Committers
	ports      PortReadiness
	resolver   *GroupDependencyResolver
	cfg        ReconcilerConfig
	logger     *telemetry.Logger
}

// NewFullStateReconciler creates a full-state reconciler. A nil logger discards
// output; a nil ports oracle treats every port as ready.
func NewFullStateReconciler(reader SnapshotReader, committers Committers, ports PortReadiness,
	cfg ReconcilerConfig, logger *telemetry.Logger) *FullStateReconciler {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &FullStateReconciler{
		reader:     reader,
		committers: committers,
		ports:      ports,
		resolver:   NewGroupDependencyResolver(),
		cfg:        cfg,
		logger:     logger.NewComponentLogger("full-state"),
	}
}

// Reconcile runs one full-state pass for device. It returns false when the
// snapshot is unavailable, when a policy ends the pass early or when ctx is
// cancelled. Failures of individual device operations are logged only.
func (r *FullStateReconciler) Reconcile(ctx context.Context, device model.DeviceID, counters *SyncCounters) bool {
	logger := r.logger.WithDevice(device.String())

	snap, err := r.reader.ReadSnapshot(ctx, device)
	if err != nil || snap == nil {
		logger.WithError(NewSnapshotUnavailableError(device.String(), err)).
			Warn("No configuration snapshot, skipping full-state reconciliation")
		return false
	}

	pushTableFeatures(ctx, r.committers.TableFeatures, device, snap.TableFeatures)

	if !r.pushGroups(ctx, device, snap, counters, logger) {
		return false
	}
	if ctx.Err() != nil {
		logger.Warn("Reconciliation cancelled before meters")
		return false
	}

	pushMeters(ctx, r.committers.Meters, device, snap.Meters, counters, logger)
	r.pushFlows(ctx, device, snap, counters, logger)

	logger.WithField("counters", counters.String()).Debug("Full-state reconciliation finished")
	return true
}

// pushTableFeatures sends every table-features entry without waiting for the
// device to confirm it.
func pushTableFeatures(ctx context.Context, committer Committer[model.TableFeatures], device model.DeviceID, features []model.TableFeatures) {
	for _, tf := range features {
		path := model.TableFeaturesPath(device, tf.TableID)
		committer.Update(ctx, path, tf, nil, device.Ref())
	}
}

// pushGroups runs the groups phase and the barrier that follows it. It reports
// whether the pass may continue with meters and flows.
func (r *FullStateReconciler) pushGroups(ctx context.Context, device model.DeviceID, snap *model.DeviceConfigSnapshot,
	counters *SyncCounters, logger *telemetry.Logger) bool {
	op := telemetry.StartOperation(ctx, "full-state.groups", attribute.String("device", device.String()))
	ctx = op.Ctx

	plan, stuck := r.resolver.ResolvePartial(nil, snap.Groups)
	ordered, rank := plan.Groups(), plan.Rank()
	if len(stuck) > 0 {
		err := NewDependencyCycleError(groupIDs(stuck))
		counters.IncDependencyCycles()
		logger.WithError(err).
			WithFields(map[string]interface{}{
				"stuck_groups": StuckGroups(err),
				"policy":       string(r.cfg.CyclePolicy),
			}).Error("Groups cannot be ordered")
		if r.cfg.CyclePolicy == CyclePolicyAbort {
			op.End(err)
			return false
		}

		// Stuck groups run through the retry loop after the ordered ones and
		// end up force-installed.
		for _, g := range stuck {
			rank[g.ID] = plan.Depth()
		}
		ordered = append(ordered, stuck...)
	}

	installer := newGroupInstaller(device, r.committers.Groups, r.ports, r.cfg, logger.WithPhase("groups"), counters)
	if err := installer.run(ctx, ordered, rank); err != nil {
		logger.WithError(err).Warn("Groups phase cancelled")
		op.End(err)
		return false
	}

	if len(installer.forced) > 0 {
		logger.WithFields(map[string]interface{}{
			"forced_groups": installer.forced,
			"policy":        string(r.cfg.ForcedInstallPolicy),
		}).Warn("Groups installed without their preconditions")
		if r.cfg.ForcedInstallPolicy == ForcedInstallSkipDownstream {
			op.End(nil)
			return false
		}
	}

	handles := installer.pendingHandles()
	res := AwaitAll(ctx, handles, BoundedWait(r.cfg.GroupWaitUnit, r.cfg.GroupWaitCap, len(handles)))
	if err := res.Err(); err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{
			"groups":  res.Total,
			"failed":  res.Failed,
			"pending": res.Pending,
		}).Warn("Not every group install confirmed, continuing with flows")
	}

	op.End(nil)
	return true
}

func (r *FullStateReconciler) pushFlows(ctx context.Context, device model.DeviceID, snap *model.DeviceConfigSnapshot,
	counters *SyncCounters, logger *telemetry.Logger) {
	for _, table := range snap.Tables {
		for _, f := range table.Flows {
			path := model.FlowPath(device, table.ID, f.ID)
			h := r.committers.Flows.Add(ctx, path, f, device.Ref())
			counters.Flows().IncAdded()
			logFailure(h, logger, "flow add", path)
		}
	}
}

// pushMeters adds every meter without ordering constraints.
func pushMeters(ctx context.Context, meters Committer[model.Meter], device model.DeviceID, items []model.Meter,
	counters *SyncCounters, logger *telemetry.Logger) {
	for _, m := range items {
		path := model.MeterPath(device, m.ID)
		h := meters.Add(ctx, path, m, device.Ref())
		counters.Meters().IncAdded()
		logFailure(h, logger, "meter add", path)
	}
}

// logFailure logs h's error once it resolves. The caller does not wait.
func logFailure(h *Completion, logger *telemetry.Logger, operation string, path model.Path) {
	if h == nil {
		return
	}
	h.OnDone(func(err error) {
		if err != nil {
			logger.WithError(NewAsyncFailedError(operation, err)).
				WithField("path", string(path)).
				Warn("Device operation failed")
		}
	})
}
