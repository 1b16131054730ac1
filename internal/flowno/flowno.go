// Package flowno manages flow-number allocation and the set-union
// semantics used when two flows converge on the same task instance.
package flowno

import "sync"

// None is the reserved flow number for spawns that must not propagate
// to children (spec.md §3 "Flow NONE").
const None int64 = 0

// Set is an immutable-by-convention set of flow numbers. A task
// instance's flow-set is non-empty while it lives in the pool
// (invariant 2).
type Set map[int64]struct{}

// NewSet builds a Set from the given numbers.
func NewSet(nums ...int64) Set {
	s := make(Set, len(nums))
	for _, n := range nums {
		s[n] = struct{}{}
	}
	return s
}

// Contains reports whether n is a member of s.
func (s Set) Contains(n int64) bool {
	_, ok := s[n]
	return ok
}

// Union returns a new Set containing every number in s or other.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for n := range s {
		out[n] = struct{}{}
	}
	for n := range other {
		out[n] = struct{}{}
	}
	return out
}

// Minus returns a new Set with the numbers in other removed.
func (s Set) Minus(other Set) Set {
	out := make(Set, len(s))
	for n := range s {
		if !other.Contains(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

// Empty reports whether the set has no members.
func (s Set) Empty() bool {
	return len(s) == 0
}

// Slice returns the set's members in no particular order.
func (s Set) Slice() []int64 {
	out := make([]int64, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	return out
}

// Manager allocates fresh flow numbers and tracks, per flow, the
// "origin" trigger description that created it (invariant 6: at most
// one origin per flow number).
type Manager struct {
	mu      sync.Mutex
	next    int64
	origins map[int64]string
}

// NewManager creates a flow manager; flow numbers start at 1.
func NewManager() *Manager {
	return &Manager{next: 1, origins: make(map[int64]string)}
}

// NewFlow allocates a fresh flow number and records its origin
// description (e.g. "force_trigger_tasks: foo.1").
func (m *Manager) NewFlow(origin string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next
	m.next++
	if _, exists := m.origins[n]; !exists {
		m.origins[n] = origin
	}
	return n
}

// Origin returns the recorded origin description for a flow number, if any.
func (m *Manager) Origin(n int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.origins[n]
	return o, ok
}

// Forget drops a flow's origin record once no instance references it
// any longer.
func (m *Manager) Forget(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.origins, n)
}
