package engine

import (
	"context"
	"sort"

	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/telemetry"
)

// groupInstaller runs the groups phase of one full-state pass. It is not safe
// for concurrent use; one installer lives for exactly one pass.
type groupInstaller struct {
	device   model.DeviceID
	groups   Committer[model.Group]
	ports    PortReadiness
	cfg      ReconcilerConfig
	logger   *telemetry.Logger
	counters *SyncCounters

	// toInstall holds groups still waiting for their referenced groups.
	toInstall []model.Group

	// suspected holds groups deferred on a port that is not ready yet.
	suspected []model.Group

	// handles maps group ids to the completion of their add.
	handles map[uint32]*Completion

	// retries is reset whenever an iteration installs at least one group.
	retries int

	// forced lists the ids installed without their preconditions.
	forced []uint32
}

func newGroupInstaller(device model.DeviceID, groups Committer[model.Group], ports PortReadiness,
	cfg ReconcilerConfig, logger *telemetry.Logger, counters *SyncCounters) *groupInstaller {
	return &groupInstaller{
		device:   device,
		groups:   groups,
		ports:    ports,
		cfg:      cfg,
		logger:   logger,
		counters: counters,
		handles:  make(map[uint32]*Completion),
	}
}

// run installs ordered, which must be in resolver wave order. rank orders the
// forced installs. It returns ctx's error if the pass was cancelled.
func (gi *groupInstaller) run(ctx context.Context, ordered []model.Group, rank map[uint32]int) error {
	gi.toInstall = append(gi.toInstall[:0], ordered...)
	gi.suspected = gi.suspected[:0]

	for (len(gi.toInstall) > 0 || len(gi.suspected) > 0) && gi.retries <= gi.cfg.MaxRetries {
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(gi.toInstall) == 0 {
			gi.toInstall = append(gi.toInstall, gi.suspected...)
			gi.suspected = gi.suspected[:0]
			break
		}

		gi.iterate(ctx)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	gi.forceRemaining(ctx, rank)
	return nil
}

// iterate runs one pass over toInstall and resets the retry counter when the
// pass made progress.
func (gi *groupInstaller) iterate(ctx context.Context) {
	if gi.step(ctx) > 0 {
		gi.retries = 0
	}
}

// step walks toInstall once and returns the number of groups installed.
func (gi *groupInstaller) step(ctx context.Context) int {
	installed := 0
	kept := make([]model.Group, 0, len(gi.toInstall))

	for _, g := range gi.toInstall {
		if port, ready := gi.portsReady(g); !ready {
			gi.logger.WithFields(map[string]interface{}{
				"group_id": g.ID,
				"port":     port,
			}).Debug("Port not ready, deferring group")
			gi.suspected = append(gi.suspected, g)
			continue
		}

		if missing, ok := gi.dependenciesDispatched(g); !ok {
			gi.retries++
			gi.logger.WithFields(map[string]interface{}{
				"group_id":   g.ID,
				"depends_on": missing,
				"retries":    gi.retries,
			}).Debug("Referenced group not dispatched yet")
			kept = append(kept, g)
			continue
		}

		gi.awaitDependencies(ctx, g)
		gi.install(ctx, g)
		installed++
	}

	gi.toInstall = kept
	return installed
}

// portsReady checks every output port of g against the readiness oracle and
// returns the first port that is not ready.
func (gi *groupInstaller) portsReady(g model.Group) (string, bool) {
	if gi.ports == nil {
		return "", true
	}
	for _, port := range g.ReferencedPorts() {
		if !gi.ports.IsPortReady(gi.device, port) {
			return port, false
		}
	}
	return "", true
}

func (gi *groupInstaller) dependenciesDispatched(g model.Group) (uint32, bool) {
	for _, id := range g.ReferencedGroups() {
		if _, ok := gi.handles[id]; !ok {
			return id, false
		}
	}
	return 0, true
}

func (gi *groupInstaller) awaitDependencies(ctx context.Context, g model.Group) {
	for _, id := range g.ReferencedGroups() {
		if err := gi.handles[id].Wait(ctx, gi.cfg.DependencyWait); err != nil {
			gi.logger.WithError(err).WithFields(map[string]interface{}{
				"group_id":   g.ID,
				"depends_on": id,
			}).Warn("Referenced group install did not confirm")
		}
	}
}

func (gi *groupInstaller) install(ctx context.Context, g model.Group) {
	path := model.GroupPath(gi.device, g.ID)
	h := gi.groups.Add(ctx, path, g, gi.device.Ref())
	if h == nil {
		h = Completed(nil)
	}
	gi.handles[g.ID] = h
	gi.counters.Groups().IncAdded()
	logFailure(h, gi.logger, "group add", path)
}

// forceRemaining installs whatever is left in toInstall and suspected without
// checking preconditions.
func (gi *groupInstaller) forceRemaining(ctx context.Context, rank map[uint32]int) {
	remaining := make([]model.Group, 0, len(gi.toInstall)+len(gi.suspected))
	remaining = append(remaining, gi.toInstall...)
	remaining = append(remaining, gi.suspected...)
	gi.toInstall = gi.toInstall[:0]
	gi.suspected = gi.suspected[:0]

	if len(remaining) == 0 {
		return
	}

	sort.SliceStable(remaining, func(i, j int) bool {
		return rank[remaining[i].ID] < rank[remaining[j].ID]
	})

	for _, g := range remaining {
		gi.logger.WithField("group_id", g.ID).Warn("Preconditions unmet, installing group anyway")
		gi.install(ctx, g)
		gi.forced = append(gi.forced, g.ID)
		gi.counters.IncForcedGroups()
	}
}

// pendingHandles returns the completions of every dispatched add.
func (gi *groupInstaller) pendingHandles() []*Completion {
	out := make([]*Completion, 0, len(gi.handles))
	for _, h := range gi.handles {
		out = append(out, h)
	}
	return out
}
