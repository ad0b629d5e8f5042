package engine

import (
	"fmt"
	"sync/atomic"
)

// CrudCounts counts the operations issued for one entity kind.
type CrudCounts struct {
	added   atomic.Int64
	updated atomic.Int64
	removed atomic.Int64
}

// IncAdded records an add.
func (c *CrudCounts) IncAdded() {
	if c == nil {
		return
	}
	c.added.Add(1)
}

// AddAdded records n adds at once.
func (c *CrudCounts) AddAdded(n int64) {
	if c == nil {
		return
	}
	c.added.Add(n)
}

// IncUpdated records an update.
func (c *CrudCounts) IncUpdated() {
	if c == nil {
		return
	}
	c.updated.Add(1)
}

// IncRemoved records a removal.
func (c *CrudCounts) IncRemoved() {
	if c == nil {
		return
	}
	c.removed.Add(1)
}

// Added returns the number of adds.
func (c *CrudCounts) Added() int64 {
	if c == nil {
		return 0
	}
	return c.added.Load()
}

// Updated returns the number of updates.
func (c *CrudCounts) Updated() int64 {
	if c == nil {
		return 0
	}
	return c.updated.Load()
}

// Removed returns the number of removals.
func (c *CrudCounts) Removed() int64 {
	if c == nil {
		return 0
	}
	return c.removed.Load()
}

// Total returns the number of operations of every type.
func (c *CrudCounts) Total() int64 {
	return c.Added() + c.Updated() + c.Removed()
}

// SyncCounters is the side channel through which a pass reports what it issued.
// It never influences the outcome of the pass. A nil *SyncCounters discards
// everything.
type SyncCounters struct {
	flows  CrudCounts
	groups CrudCounts
	meters CrudCounts

	forcedGroups     atomic.Int64
	dependencyCycles atomic.Int64
}

// NewSyncCounters creates zeroed counters.
func NewSyncCounters() *SyncCounters {
	return &SyncCounters{}
}

// Flows returns the flow counters.
func (s *SyncCounters) Flows() *CrudCounts {
	if s == nil {
		return nil
	}
	return &s.flows
}

// Groups returns the group counters.
func (s *SyncCounters) Groups() *CrudCounts {
	if s == nil {
		return nil
	}
	return &s.groups
}

// Meters returns the meter counters.
func (s *SyncCounters) Meters() *CrudCounts {
	if s == nil {
		return nil
	}
	return &s.meters
}

// IncForcedGroups records a group installed without its preconditions.
func (s *SyncCounters) IncForcedGroups() {
	if s == nil {
		return
	}
	s.forcedGroups.Add(1)
}

// ForcedGroups returns the number of groups installed without their preconditions.
func (s *SyncCounters) ForcedGroups() int64 {
	if s == nil {
		return 0
	}
	return s.forcedGroups.Load()
}

// IncDependencyCycles records a groups phase abandoned on a dependency cycle.
func (s *SyncCounters) IncDependencyCycles() {
	if s == nil {
		return
	}
	s.dependencyCycles.Add(1)
}

// DependencyCycles returns the number of abandoned groups phases.
func (s *SyncCounters) DependencyCycles() int64 {
	if s == nil {
		return 0
	}
	return s.dependencyCycles.Load()
}

// String renders the counters for log lines.
func (s *SyncCounters) String() string {
	if s == nil {
		return "none"
	}
	return fmt.Sprintf("flows(+%d/~%d/-%d) groups(+%d/~%d/-%d) meters(+%d/~%d/-%d)",
		s.flows.Added(), s.flows.Updated(), s.flows.Removed(),
		s.groups.Added(), s.groups.Updated(), s.groups.Removed(),
		s.meters.Added(), s.meters.Updated(), s.meters.Removed())
}
