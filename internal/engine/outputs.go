package engine

import "sync"

// OutputTracker records which named outputs a task has emitted,
// keyed by task name (not cycle point: dependency predicates compare
// a task's own-cycle prerequisites against the nearest completed
// parent, per spec.md §3), feeding `pool.EvaluateReadiness`'s
// upstream-outputs argument.
type OutputTracker struct {
	mu      sync.Mutex
	outputs map[string]map[string]bool
}

// NewOutputTracker creates an empty output tracker.
func NewOutputTracker() *OutputTracker {
	return &OutputTracker{outputs: make(map[string]map[string]bool)}
}

// Emit records that taskName produced the named output.
func (t *OutputTracker) Emit(taskName, output string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outputs[taskName] == nil {
		t.outputs[taskName] = make(map[string]bool)
	}
	t.outputs[taskName][output] = true
}

// Snapshot returns a copy suitable for passing to EvaluateReadiness.
func (t *OutputTracker) Snapshot() map[string]map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]map[string]bool, len(t.outputs))
	for name, outputs := range t.outputs {
		cp := make(map[string]bool, len(outputs))
		for o, v := range outputs {
			cp[o] = v
		}
		out[name] = cp
	}
	return out
}
