package engine

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/telemetry"
)

// IncrementalSyncer pushes only the difference between the desired snapshot
// and the operational one. Group waves are separated by barriers so that a
// group is confirmed before any group forwarding to it is pushed.
type IncrementalSyncer struct {
	config      SnapshotReader
	operational SnapshotReader
	committers  Committers
	resolver    *GroupDependencyResolver
	cfg         ReconcilerConfig
	logger      *telemetry.Logger
}

// NewIncrementalSyncer creates an incremental syncer. A nil operational reader
// treats every device as empty.
func NewIncrementalSyncer(config, operational SnapshotReader, committers Committers,
	cfg ReconcilerConfig, logger *telemetry.Logger) *IncrementalSyncer {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &IncrementalSyncer{
		config:      config,
		operational: operational,
		committers:  committers,
		resolver:    NewGroupDependencyResolver(),
		cfg:         cfg,
		logger:      logger.NewComponentLogger("incremental"),
	}
}

// Reconcile diffs and pushes the device's state. Table features are always
// sent in full. Adds and updates go first (groups, meters, flows); removals
// follow in reverse (flows, meters, groups).
func (s *IncrementalSyncer) Reconcile(ctx context.Context, device model.DeviceID, counters *SyncCounters) bool {
	logger := s.logger.WithDevice(device.String())

	desired, err := s.config.ReadSnapshot(ctx, device)
	if err != nil || desired == nil {
		logger.WithError(NewSnapshotUnavailableError(device.String(), err)).
			Warn("No configuration snapshot, skipping incremental sync")
		return false
	}

	installed := s.readOperational(ctx, device, logger)
	diff := DiffSnapshots(desired, installed)

	pushTableFeatures(ctx, s.committers.TableFeatures, device, desired.TableFeatures)

	if !s.syncGroups(ctx, device, desired, installed, counters, logger) {
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	s.syncMeters(ctx, device, diff.Meters, counters, logger)
	s.syncFlows(ctx, device, diff.Flows, counters, logger)

	s.removeRedundant(ctx, device, diff, installed, counters, logger)

	logger.WithField("counters", counters.String()).Debug("Incremental sync finished")
	return ctx.Err() == nil
}

func (s *IncrementalSyncer) readOperational(ctx context.Context, device model.DeviceID, logger *telemetry.Logger) *model.DeviceConfigSnapshot {
	empty := &model.DeviceConfigSnapshot{Device: device}
	if s.operational == nil {
		return empty
	}
	snap, err := s.operational.ReadSnapshot(ctx, device)
	if err != nil {
		logger.WithError(err).Warn("Cannot read operational snapshot, assuming an empty device")
		return empty
	}
	if snap == nil {
		return empty
	}
	return snap
}

// syncGroups pushes group adds and updates wave by wave. It reports whether the
// pass may continue.
func (s *IncrementalSyncer) syncGroups(ctx context.Context, device model.DeviceID, desired, installed *model.DeviceConfigSnapshot,
	counters *SyncCounters, logger *telemetry.Logger) bool {
	op := telemetry.StartOperation(ctx, "incremental.groups", attribute.String("device", device.String()))
	ctx = op.Ctx

	plan, stuck := s.resolver.ResolvePartial(installed.GroupsByID(), desired.Groups)
	if len(stuck) > 0 {
		err := NewDependencyCycleError(groupIDs(stuck))
		counters.IncDependencyCycles()
		logger.WithError(err).WithField("stuck_groups", StuckGroups(err)).Error("Groups cannot be ordered")
		if s.cfg.CyclePolicy == CyclePolicyAbort {
			op.End(err)
			return false
		}
	}

	for i, wave := range plan.Waves {
		handles := make([]*Completion, 0, wave.Len())

		for _, g := range wave.ItemsToAdd {
			path := model.GroupPath(device, g.ID)
			h := s.committers.Groups.Add(ctx, path, g, device.Ref())
			counters.Groups().IncAdded()
			handles = append(handles, h)
		}
		for _, c := range wave.ItemsToUpdate {
			original := c.Original
			path := model.GroupPath(device, c.Updated.ID)
			h := s.committers.Groups.Update(ctx, path, c.Updated, &original, device.Ref())
			counters.Groups().IncUpdated()
			handles = append(handles, h)
		}

		if !s.barrier(ctx, handles, logger.WithField("wave", i)) {
			op.End(ctx.Err())
			return false
		}
	}

	if len(stuck) > 0 {
		ok := s.forceGroups(ctx, device, stuck, installed, counters, logger)
		op.End(nil)
		return ok
	}

	op.End(nil)
	return true
}

// forceGroups pushes the groups the resolver could not place, in snapshot
// order, then applies the forced-install policy.
func (s *IncrementalSyncer) forceGroups(ctx context.Context, device model.DeviceID, stuck []model.Group,
	installed *model.DeviceConfigSnapshot, counters *SyncCounters, logger *telemetry.Logger) bool {
	diff := DiffGroups(stuck, installed.Groups)
	if len(diff.Add)+len(diff.Update) == 0 {
		return true
	}

	handles := make([]*Completion, 0, len(diff.Add)+len(diff.Update))
	for _, g := range diff.Add {
		handles = append(handles, s.committers.Groups.Add(ctx, model.GroupPath(device, g.ID), g, device.Ref()))
		counters.Groups().IncAdded()
		counters.IncForcedGroups()
	}
	for _, c := range diff.Update {
		original := c.Original
		handles = append(handles, s.committers.Groups.Update(ctx, model.GroupPath(device, c.Updated.ID), c.Updated, &original, device.Ref()))
		counters.Groups().IncUpdated()
		counters.IncForcedGroups()
	}

	logger.WithField("groups", len(handles)).Warn("Groups pushed without dependency order")
	if s.cfg.ForcedInstallPolicy == ForcedInstallSkipDownstream {
		return false
	}
	return s.barrier(ctx, handles, logger)
}

// barrier waits for handles with the bounded group budget. Failures and
// timeouts are logged. It returns false only if ctx ended the wait.
func (s *IncrementalSyncer) barrier(ctx context.Context, handles []*Completion, logger *telemetry.Logger) bool {
	handles = slices.DeleteFunc(handles, func(h *Completion) bool { return h == nil })
	res := AwaitAll(ctx, handles, BoundedWait(s.cfg.GroupWaitUnit, s.cfg.GroupWaitCap, len(handles)))
	if err := res.Err(); err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{
			"failed":  res.Failed,
			"pending": res.Pending,
		}).Warn("Barrier completed with failures")
	}
	return ctx.Err() == nil
}

func (s *IncrementalSyncer) syncMeters(ctx context.Context, device model.DeviceID, diff EntityDiff[model.Meter],
	counters *SyncCounters, logger *telemetry.Logger) {
	pushMeters(ctx, s.committers.Meters, device, diff.Add, counters, logger)
	for _, c := range diff.Update {
		original := c.Original
		path := model.MeterPath(device, c.Updated.ID)
		h := s.committers.Meters.Update(ctx, path, c.Updated, &original, device.Ref())
		counters.Meters().IncUpdated()
		logFailure(h, logger, "meter update", path)
	}
}

func (s *IncrementalSyncer) syncFlows(ctx context.Context, device model.DeviceID, diff EntityDiff[model.Flow],
	counters *SyncCounters, logger *telemetry.Logger) {
	for _, f := range diff.Add {
		path := model.FlowPath(device, f.TableID, f.ID)
		h := s.committers.Flows.Add(ctx, path, f, device.Ref())
		counters.Flows().IncAdded()
		logFailure(h, logger, "flow add", path)
	}
	for _, c := range diff.Update {
		original := c.Original
		path := model.FlowPath(device, c.Updated.TableID, c.Updated.ID)
		h := s.committers.Flows.Update(ctx, path, c.Updated, &original, device.Ref())
		counters.Flows().IncUpdated()
		logFailure(h, logger, "flow update", path)
	}
}

// removeRedundant removes what the device has and the snapshot does not. Flow
// removals are confirmed before meters and groups go. Groups are removed so
// that a group goes before every group it forwards to.
func (s *IncrementalSyncer) removeRedundant(ctx context.Context, device model.DeviceID, diff SnapshotDiff,
	installed *model.DeviceConfigSnapshot, counters *SyncCounters, logger *telemetry.Logger) {
	if len(diff.Flows.Remove)+len(diff.Meters.Remove)+len(diff.Groups.Remove) == 0 {
		return
	}

	flowHandles := make([]*Completion, 0, len(diff.Flows.Remove))
	for _, f := range diff.Flows.Remove {
		path := model.FlowPath(device, f.TableID, f.ID)
		h := s.committers.Flows.Remove(ctx, path, f, device.Ref())
		counters.Flows().IncRemoved()
		logFailure(h, logger, "flow remove", path)
		flowHandles = append(flowHandles, h)
	}
	if !s.barrier(ctx, flowHandles, logger.WithPhase("flow-removal")) {
		return
	}

	for _, m := range diff.Meters.Remove {
		path := model.MeterPath(device, m.ID)
		h := s.committers.Meters.Remove(ctx, path, m, device.Ref())
		counters.Meters().IncRemoved()
		logFailure(h, logger, "meter remove", path)
	}

	for _, g := range s.groupRemovalOrder(diff.Groups.Remove, installed, logger) {
		path := model.GroupPath(device, g.ID)
		h := s.committers.Groups.Remove(ctx, path, g, device.Ref())
		counters.Groups().IncRemoved()
		logFailure(h, logger, "group remove", path)
	}
}

// groupRemovalOrder orders redundant groups so that referencing groups come
// before the groups they reference. When no such order exists, redundant is
// returned unchanged.
func (s *IncrementalSyncer) groupRemovalOrder(redundant []model.Group, installed *model.DeviceConfigSnapshot,
	logger *telemetry.Logger) []model.Group {
	if len(redundant) < 2 {
		return redundant
	}

	remaining := installed.GroupsByID()
	for _, g := range redundant {
		delete(remaining, g.ID)
	}

	plan, err := s.resolver.Resolve(remaining, redundant)
	if err != nil {
		logger.WithError(err).Warn("Cannot order redundant groups, removing in device order")
		return redundant
	}

	ordered := plan.Groups()
	slices.Reverse(ordered)
	return ordered
}
