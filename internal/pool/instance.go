package pool

import (
	"sync"
	"time"

	"github.com/flowmesh/schedd/internal/flowno"
	"github.com/flowmesh/schedd/internal/taskdef"
)

// JobMeta records the last job's execution metadata (spec.md §3).
type JobMeta struct {
	RunnerName string
	Platform   string
	RemoteHost string
	JobID      string
	SubmitTime time.Time
}

// Instance is a task proxy: the mutable, dynamic half of a task (spec.md
// §3 "Task instance (dynamic, a.k.a. task proxy)").
type Instance struct {
	mu sync.Mutex

	Identity Identity
	Def      *taskdef.Definition

	Flows flowno.Set

	Status Status

	Held     bool
	Queued   bool
	Runahead bool

	XTriggersSatisfied map[string]bool
	ExtTriggersSatisfied map[string]bool

	SubmitCount int

	LastJob JobMeta

	ElapsedStart time.Time

	Dirty bool
	Late  bool
}

// NewInstance creates a fresh instance in runahead/waiting state with
// the given flow membership. Per invariant 2, flows must be non-empty.
func NewInstance(id Identity, def *taskdef.Definition, flows flowno.Set) *Instance {
	return &Instance{
		Identity:             id,
		Def:                  def,
		Flows:                flows,
		Status:               StatusWaiting,
		XTriggersSatisfied:   make(map[string]bool),
		ExtTriggersSatisfied: make(map[string]bool),
	}
}

// IsReadyToRun implements invariant 4:
// is_ready_to_run ⇒ xtriggers-satisfied ∧ external-triggers-satisfied ∧
// upstream-satisfied ∧ ¬held ∧ ¬runahead.
func (i *Instance) IsReadyToRun(upstreamSatisfied bool) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.Held || i.Runahead {
		return false
	}
	for _, xt := range i.Def.XTriggers {
		if !i.XTriggersSatisfied[xt.Name] {
			return false
		}
	}
	for _, et := range i.Def.ExternalTriggers {
		if !i.ExtTriggersSatisfied[et] {
			return false
		}
	}
	return upstreamSatisfied
}

// MarkQueued sets the queued sub-flag, used once IsReadyToRun holds.
func (i *Instance) MarkQueued() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Queued = true
}

// MarkDirty flags the instance for data-store delta publication.
func (i *Instance) MarkDirty() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Dirty = true
}

// ClearDirty resets the dirty flag after a delta has been collected.
func (i *Instance) ClearDirty() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Dirty = false
}

// SetStatus transitions the instance's status. Per invariant 5, the
// submit counter is monotonically increasing; transitioning into
// StatusPreparing increments it.
func (i *Instance) SetStatus(s Status) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if s == StatusPreparing {
		i.SubmitCount++
		i.ElapsedStart = time.Now()
	}
	i.Status = s
	i.Dirty = true
}

// Snapshot returns a shallow, lock-safe copy of the instance's current
// observable state for data-store delta collection.
type Snapshot struct {
	Identity    Identity
	Flows       []int64
	Status      Status
	Held        bool
	Queued      bool
	Runahead    bool
	SubmitCount int
	Late        bool
}

// Snapshot captures the instance's current state under lock.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Snapshot{
		Identity:    i.Identity,
		Flows:       i.Flows.Slice(),
		Status:      i.Status,
		Held:        i.Held,
		Queued:      i.Queued,
		Runahead:    i.Runahead,
		SubmitCount: i.SubmitCount,
		Late:        i.Late,
	}
}
