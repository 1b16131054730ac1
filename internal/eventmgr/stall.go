package eventmgr

import (
	"time"

	"github.com/flowmesh/schedd/internal/timer"
)

// StallTracker re-evaluates stall status only on ticks that made no
// progress, starting a stall-timeout timer when the workflow becomes
// stalled and stopping it on any progress (spec.md §4.6 "Stall").
// Per spec.md §9's Open Question, a reload alone must never clear a
// stall; only genuine pool progress does.
type StallTracker struct {
	timers      *timer.Registry
	stalled     bool
	emittedOnce bool
}

// NewStallTracker creates a stall tracker backed by the shared timer registry.
func NewStallTracker(timers *timer.Registry) *StallTracker {
	return &StallTracker{timers: timers}
}

// Evaluate should be called only on ticks where the main loop made no
// progress. isStalledNow is the pool's current IsStalled() result.
// Returns whether a stall event should be emitted (at most once per
// stall episode, per spec.md §8 invariant).
func (s *StallTracker) Evaluate(isStalledNow bool, stallTimeout time.Duration) bool {
	if isStalledNow {
		if !s.stalled {
			s.stalled = true
			s.emittedOnce = false
			if s.timers != nil && stallTimeout > 0 {
				s.timers.Reset(timer.Stall, stallTimeout)
			}
		}
		if !s.emittedOnce {
			s.emittedOnce = true
			return true
		}
		return false
	}

	// Progress was made (or never stalled): clear stall state and stop
	// the timer.
	if s.stalled {
		s.stalled = false
		s.emittedOnce = false
		if s.timers != nil {
			s.timers.Stop(timer.Stall)
		}
	}
	return false
}

// Stalled reports the tracker's current stall state.
func (s *StallTracker) Stalled() bool {
	return s.stalled
}

// OnReload is a no-op by design: reload must never clear a stall
// episode on its own (spec.md §9 Open Question decision, see DESIGN.md).
func (s *StallTracker) OnReload() {}
