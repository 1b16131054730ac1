package eventmgr

import "sync"

// ExtTriggerMatcher matches external-trigger-queue events by name to
// the tasks declaring them (spec.md §4.6 "External triggers").
type ExtTriggerMatcher struct {
	mu      sync.Mutex
	pending map[string]map[string]bool // trigger name -> set of received event IDs
}

// NewExtTriggerMatcher creates an empty matcher.
func NewExtTriggerMatcher() *ExtTriggerMatcher {
	return &ExtTriggerMatcher{pending: make(map[string]map[string]bool)}
}

// Record notes that an external event with the given name and ID has
// arrived on the external-trigger queue.
func (m *ExtTriggerMatcher) Record(name, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[name] == nil {
		m.pending[name] = make(map[string]bool)
	}
	m.pending[name][id] = true
}

// Satisfied reports whether any event has arrived for the named trigger.
func (m *ExtTriggerMatcher) Satisfied(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[name]) > 0
}

// Consume clears the recorded events for the named trigger once a task
// has consumed the satisfaction (so a later, unrelated task does not
// see a stale match). In the cylc-style contract used here, a trigger
// event may satisfy more than one declaring task, so Consume is called
// once per tick's housekeeping rather than per task.
func (m *ExtTriggerMatcher) Consume(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, name)
}
