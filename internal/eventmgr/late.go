package eventmgr

import (
	"sync"
	"time"
)

// LateDetector computes, per task, whether it has gone late: its
// late-time is mean elapsed time plus a configured offset, and once
// now exceeds it — and the task has never been active — a late event
// fires exactly once (spec.md §4.6 "Late detection").
type LateDetector struct {
	mu      sync.Mutex
	emitted map[string]bool
	now     func() time.Time
}

// NewLateDetector creates a late detector.
func NewLateDetector() *LateDetector {
	return &LateDetector{emitted: make(map[string]bool), now: time.Now}
}

// Check evaluates one instance: meanElapsed is the task definition's
// historical mean run time, offset is the configured late offset,
// referenceTime is when the instance became eligible to run (e.g. its
// cycle point's scheduled time), and everActive reports whether the
// instance has ever left StatusWaiting. Returns whether a late event
// should be emitted on this call (i.e. this is the first time the
// condition has been observed for this instance).
func (d *LateDetector) Check(instanceIdentity string, referenceTime time.Time, meanElapsed, offset time.Duration, everActive bool) bool {
	if everActive {
		return false
	}
	lateTime := referenceTime.Add(meanElapsed).Add(offset)
	if d.now().Before(lateTime) {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.emitted[instanceIdentity] {
		return false
	}
	d.emitted[instanceIdentity] = true
	return true
}

// Forget drops the late-emitted record for an instance once it leaves
// the pool, so identity reuse across restarts does not suppress a
// legitimate late event.
func (d *LateDetector) Forget(instanceIdentity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.emitted, instanceIdentity)
}
