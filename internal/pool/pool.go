// Package pool implements the in-memory graph of active task instances:
// flow numbering, runahead limiting, dependency satisfaction, state
// transitions, and the hold/release/stop command surface (spec.md §4.2).
//
// Graph compilation (parsing the workflow configuration into task
// definitions and their dependency edges) is an external collaborator
// per spec.md §1; this package consumes already-compiled
// taskdef.Definition values and owns only the dynamic instance graph.
package pool

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	schederrors "github.com/flowmesh/schedd/pkg/errors"

	"github.com/flowmesh/schedd/internal/cyclepoint"
	"github.com/flowmesh/schedd/internal/flowno"
	"github.com/flowmesh/schedd/internal/taskdef"
)

// FlowSpec identifies the flow assignment requested for a forced
// trigger or spawn: ALL (every flow present), NEW (allocate a fresh
// flow), NONE (flowno.None, non-propagating), or an explicit list of
// flow numbers (spec.md §4.2 force_trigger_tasks). Invalid marks a
// flow-value list that mixed a keyword with a number, mixed keywords,
// or carried a non-numeric non-keyword token; ForceTriggerTasks
// rejects it outright (spec.md §8 scenario 7).
type FlowSpec struct {
	All     bool
	New     bool
	None    bool
	Numbers []int64
	Invalid bool
}

// Pool owns the dynamic task-instance graph: the main pool plus the
// runahead staging area (invariant 1).
type Pool struct {
	mu sync.RWMutex

	defs map[string]*taskdef.Definition

	main     map[key]*Instance
	runahead map[key]*Instance

	flows      *flowno.Manager
	predicates *predicateCache

	runaheadLimit int // count-based window width, per sequence

	holdPoint    *cyclepoint.Point
	stopPoint    *cyclepoint.Point
	stopTaskName string
	paused       bool

	queueLimits map[string]int
	queueActive map[string]int

	// instanceID is a stable per-instance uuid kept alongside each
	// instance; no accessor exposes it outside the package, and it does
	// not participate in the (cycle_point, name) identity used for
	// lookups.
	instanceID map[key]string
}

// New creates an empty pool over the given task definitions.
func New(defs []*taskdef.Definition, flows *flowno.Manager, runaheadLimit int) *Pool {
	defMap := make(map[string]*taskdef.Definition, len(defs))
	for _, d := range defs {
		defMap[d.Name] = d
	}
	if runaheadLimit <= 0 {
		runaheadLimit = 3
	}
	return &Pool{
		defs:          defMap,
		main:          make(map[key]*Instance),
		runahead:      make(map[key]*Instance),
		flows:         flows,
		predicates:    newPredicateCache(),
		runaheadLimit: runaheadLimit,
		queueLimits:   make(map[string]int),
		queueActive:   make(map[string]int),
		instanceID:    make(map[key]string),
	}
}

// SetQueueLimit configures the maximum number of concurrently
// preparing/submitted/running tasks for a named internal queue
// (spec.md §4.2 "internal queue limits").
func (p *Pool) SetQueueLimit(queueName string, limit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueLimits[queueName] = limit
}

func (p *Pool) queueName(def *taskdef.Definition) string {
	if def.QueueName == "" {
		return "default"
	}
	return def.QueueName
}

// LoadFromPoint performs a cold/warm start: for each task definition,
// instantiate the first instance of its cycling sequence at or after
// start, placing it into runahead (spec.md §4.2 load_from_point).
func (p *Pool) LoadFromPoint(start cyclepoint.Point) []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	var spawned []*Instance
	for _, def := range p.defs {
		point := def.Sequence.First()
		for point.Before(start) {
			point = def.Sequence.Next(point)
		}
		id := Identity{Point: point, Name: def.Name}
		inst := NewInstance(id, def, flowno.NewSet(p.flows.NewFlow("cold-start: "+def.Name)))
		inst.Runahead = true
		p.runahead[id.key()] = inst
		p.instanceID[id.key()] = uuid.NewString()
		spawned = append(spawned, inst)
	}
	return spawned
}

// RestoredInstance is the shape LoadDBTaskPoolForRestart consumes — one
// row per instance as persisted in the task_pool table (spec.md §6).
type RestoredInstance struct {
	Identity    Identity
	Status      Status
	Flows       []int64
	Held        bool
	Queued      bool
	Runahead    bool
	SubmitCount int
}

// LoadDBTaskPoolForRestart restores instances from persisted rows
// (spec.md §4.2 load_db_task_pool_for_restart, §8 "Restart round-trip").
func (p *Pool) LoadDBTaskPoolForRestart(rows []RestoredInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, row := range rows {
		def, ok := p.defs[row.Identity.Name]
		if !ok {
			return &schederrors.InputError{Argument: "task_pool row", Reason: "unknown task definition " + row.Identity.Name}
		}
		inst := NewInstance(row.Identity, def, flowno.NewSet(row.Flows...))
		inst.Status = row.Status
		inst.Held = row.Held
		inst.Queued = row.Queued
		inst.Runahead = row.Runahead
		inst.SubmitCount = row.SubmitCount

		if row.Runahead {
			p.runahead[row.Identity.key()] = inst
		} else {
			p.main[row.Identity.key()] = inst
		}
		p.instanceID[row.Identity.key()] = uuid.NewString()
	}
	return nil
}

// ReleaseRunaheadTasks promotes instances from runahead into the main
// pool up to the runahead limit, anchored at the earliest cycle point
// with at least one not-yet-succeeded task (spec.md §4.2).
func (p *Pool) ReleaseRunaheadTasks() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	anchor, ok := p.earliestIncompletePointLocked()
	if !ok {
		return nil
	}

	var released []*Instance
	for k, inst := range p.runahead {
		if p.withinWindowLocked(inst, anchor) {
			inst.mu.Lock()
			inst.Runahead = false
			if p.holdPoint != nil && !inst.Identity.Point.Before(*p.holdPoint) {
				inst.Held = true
			}
			inst.mu.Unlock()
			p.main[k] = inst
			delete(p.runahead, k)
			released = append(released, inst)
		}
	}
	return released
}

func (p *Pool) earliestIncompletePointLocked() (cyclepoint.Point, bool) {
	var earliest cyclepoint.Point
	found := false
	for _, inst := range p.main {
		if inst.Status == StatusSucceeded {
			continue
		}
		if !found || inst.Identity.Point.Before(earliest) {
			earliest = inst.Identity.Point
			found = true
		}
	}
	if !found {
		for _, inst := range p.runahead {
			if !found || inst.Identity.Point.Before(earliest) {
				earliest = inst.Identity.Point
				found = true
			}
		}
	}
	return earliest, found
}

// withinWindowLocked reports whether inst's cycle point is within
// runaheadLimit sequence steps of anchor, walking inst's own
// definition sequence forward from anchor since Point exposes no
// generic "steps between" operation across both calendars.
func (p *Pool) withinWindowLocked(inst *Instance, anchor cyclepoint.Point) bool {
	point := inst.Identity.Point
	if !point.After(anchor) {
		return true
	}
	cur := anchor
	for steps := 0; steps < p.runaheadLimit; steps++ {
		cur = inst.Def.Sequence.Next(cur)
		if !cur.Before(point) {
			return cur.Equal(point)
		}
	}
	return false
}

// ReleaseQueuedTasks selects queued tasks obeying per-queue concurrency
// caps, marks them preparing, and returns them in dispatch order:
// cycle-point, then name, then submit-count (spec.md §4.2 tie-break).
func (p *Pool) ReleaseQueuedTasks() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused {
		return nil
	}

	var candidates []*Instance
	for _, inst := range p.main {
		if inst.Queued && !inst.Held && !inst.Runahead {
			candidates = append(candidates, inst)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Identity.Point.Equal(b.Identity.Point) {
			return a.Identity.Point.Before(b.Identity.Point)
		}
		if a.Identity.Name != b.Identity.Name {
			return a.Identity.Name < b.Identity.Name
		}
		return a.SubmitCount < b.SubmitCount
	})

	var released []*Instance
	for _, inst := range candidates {
		qn := p.queueName(inst.Def)
		limit := p.queueLimits[qn]
		if limit > 0 && p.queueActive[qn] >= limit {
			continue
		}
		inst.mu.Lock()
		inst.Queued = false
		inst.mu.Unlock()
		inst.SetStatus(StatusPreparing)
		p.queueActive[qn]++
		released = append(released, inst)
	}
	return released
}

// ReleaseQueueSlot returns a concurrency slot to the named queue once
// a task leaves the active (preparing/submitted/running) set.
func (p *Pool) ReleaseQueueSlot(def *taskdef.Definition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	qn := p.queueName(def)
	if p.queueActive[qn] > 0 {
		p.queueActive[qn]--
	}
}

// EvaluateReadiness marks waiting, non-runahead, non-queued instances
// as queued once their dependency predicate, xtriggers, and external
// triggers are all satisfied (spec.md §4.1 step 5).
func (p *Pool) EvaluateReadiness(upstreamOutputs map[string]map[string]bool) []*Instance {
	p.mu.RLock()
	insts := make([]*Instance, 0, len(p.main))
	for _, inst := range p.main {
		insts = append(insts, inst)
	}
	p.mu.RUnlock()

	var readied []*Instance
	for _, inst := range insts {
		if inst.Status != StatusWaiting || inst.Queued || inst.Runahead {
			continue
		}
		outputs := upstreamOutputs[inst.Identity.Name]
		satisfied, err := p.predicates.Evaluate(inst.Def.DependsOn, outputs)
		if err != nil || !satisfied {
			continue
		}
		if inst.IsReadyToRun(true) {
			inst.MarkQueued()
			readied = append(readied, inst)
		}
	}
	return readied
}

// ForceTriggerTasks forcibly readies the instances matching globs with
// the requested flow assignment, returning the number of warnings
// logged for invalid selections (spec.md §4.2, §8 scenario 7). A
// malformed flow spec triggers nothing and logs exactly one warning,
// regardless of how many instances would otherwise have matched.
func (p *Pool) ForceTriggerTasks(globs []string, spec FlowSpec, wait bool, descr string) int {
	if spec.Invalid {
		return 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	warnings := 0
	var newFlow int64
	if spec.New {
		newFlow = p.flows.NewFlow(descr)
	}

	matched := false
	for _, inst := range p.main {
		if !matchAny(globs, inst.Identity) {
			continue
		}
		matched = true
		switch {
		case spec.All:
			// keep existing flow membership
		case spec.New:
			inst.mu.Lock()
			inst.Flows = inst.Flows.Union(flowno.NewSet(newFlow))
			inst.mu.Unlock()
		case spec.None:
			inst.mu.Lock()
			inst.Flows = flowno.NewSet(flowno.None)
			inst.mu.Unlock()
		case len(spec.Numbers) > 0:
			inst.mu.Lock()
			inst.Flows = inst.Flows.Union(flowno.NewSet(spec.Numbers...))
			inst.mu.Unlock()
		default:
			warnings++
			continue
		}
		if !wait {
			inst.mu.Lock()
			inst.Held = false
			inst.mu.Unlock()
			inst.MarkQueued()
		}
	}
	if !matched {
		warnings++
	}
	return warnings
}

// HoldTasks sets the held sub-flag on instances matching globs.
func (p *Pool) HoldTasks(globs []string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, inst := range p.main {
		if matchAny(globs, inst.Identity) {
			inst.mu.Lock()
			inst.Held = true
			inst.mu.Unlock()
		}
	}
}

// ReleaseHeldTasks clears the held sub-flag on instances matching globs.
func (p *Pool) ReleaseHeldTasks(globs []string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, inst := range p.main {
		if matchAny(globs, inst.Identity) {
			inst.mu.Lock()
			inst.Held = false
			inst.mu.Unlock()
		}
	}
}

// SetHoldPoint holds every instance at or after the given cycle point,
// and remembers the point so future spawns beyond it are held too.
func (p *Pool) SetHoldPoint(point cyclepoint.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdPoint = &point
	for _, inst := range p.main {
		if !inst.Identity.Point.Before(point) {
			inst.mu.Lock()
			inst.Held = true
			inst.mu.Unlock()
		}
	}
}

// ReleaseHoldPoint clears the hold-after-cycle-point and clears the
// held sub-flag on every main-pool instance at or after that point.
// The pool does not record why an instance was held, so instances held
// individually via HoldTasks at or after the point are released too.
func (p *Pool) ReleaseHoldPoint() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holdPoint == nil {
		return
	}
	point := *p.holdPoint
	p.holdPoint = nil
	for _, inst := range p.main {
		if !inst.Identity.Point.Before(point) {
			inst.mu.Lock()
			inst.Held = false
			inst.mu.Unlock()
		}
	}
}

// SetStopPoint records the cycle point after which the scheduler
// should request an AUTO stop once reached.
func (p *Pool) SetStopPoint(point cyclepoint.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopPoint = &point
}

// SetStopTask records a task name whose success should trigger an
// AUTO stop.
func (p *Pool) SetStopTask(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTaskName = name
}

// StopFlow removes the named flow number from the flow set of every
// main-pool instance; those whose flow set becomes empty are removed
// from the pool, the same as natural completion (SPEC_FULL.md
// SUPPLEMENTED FEATURES item 5). Instances still in runahead keep the
// flow number.
func (p *Pool) StopFlow(flowNum int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	toRemove := flowno.NewSet(flowNum)
	for k, inst := range p.main {
		inst.mu.Lock()
		inst.Flows = inst.Flows.Minus(toRemove)
		empty := inst.Flows.Empty()
		inst.mu.Unlock()
		if empty {
			delete(p.main, k)
			delete(p.instanceID, k)
		}
	}
	p.flows.Forget(flowNum)
}

// SetPaused toggles the paused flag; while paused, ReleaseQueuedTasks
// yields nothing.
func (p *Pool) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
}

// Paused reports the current paused flag.
func (p *Pool) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// AutoStopReached reports whether the configured stop point or stop
// task condition has been satisfied.
func (p *Pool) AutoStopReached() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopTaskName != "" {
		for _, inst := range p.main {
			if inst.Identity.Name == p.stopTaskName && inst.Status == StatusSucceeded {
				return true
			}
		}
	}
	if p.stopPoint != nil {
		for _, inst := range p.main {
			if !inst.Status.Terminal() && !inst.Identity.Point.After(*p.stopPoint) {
				return false
			}
		}
		return true
	}
	return false
}

// IsStalled reports true iff there are no active tasks and at least
// one incomplete task has unsatisfied prerequisites whose satisfying
// task will never run (spec.md §4.2 is_stalled).
//
// This package cannot itself prove a future task "will never run"
// (that requires full graph reachability, owned by the external graph
// compiler); it approximates the contract as: no active tasks, and at
// least one non-terminal task remains waiting with an unsatisfied
// dependency after a full EvaluateReadiness pass produced no change —
// the main loop is expected to call IsStalled only on ticks where it
// made no progress (spec.md §4.6 "Stall"), which is exactly when this
// approximation is sound.
func (p *Pool) IsStalled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, inst := range p.main {
		if inst.Status.Active() {
			return false
		}
	}
	for _, inst := range p.main {
		if inst.Status == StatusWaiting && !inst.Queued {
			return true
		}
	}
	return false
}

// Empty reports whether the pool (main and runahead) holds no instances.
func (p *Pool) Empty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.main) == 0 && len(p.runahead) == 0
}

// Get returns the instance with the given identity from the main pool.
func (p *Pool) Get(id Identity) (*Instance, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, ok := p.main[id.key()]
	return inst, ok
}

// Snapshot returns a snapshot of every instance currently in the main
// pool, used by the data store to build its per-tick delta.
func (p *Pool) Snapshot() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Snapshot, 0, len(p.main))
	for _, inst := range p.main {
		out = append(out, inst.Snapshot())
	}
	return out
}

// Remove deletes matching instances entirely (spec.md §4.3 remove_tasks).
func (p *Pool) Remove(globs []string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for k, inst := range p.main {
		if matchAny(globs, inst.Identity) {
			delete(p.main, k)
			delete(p.instanceID, k)
			removed++
		}
	}
	return removed
}

// ActiveMatching returns the active (pollable/killable) instances
// matching globs. Waiting tasks are never returned (spec.md §8
// "Poll on waiting task is rejected").
func (p *Pool) ActiveMatching(globs []string) []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Instance
	for _, inst := range p.main {
		if matchAny(globs, inst.Identity) && inst.Status.Active() {
			out = append(out, inst)
		}
	}
	return out
}
