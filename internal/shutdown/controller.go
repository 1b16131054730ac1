// Package shutdown implements the six-level stop-mode state machine
// and auto-restart selection (spec.md §4.8).
package shutdown

import (
	"sync"

	schederrors "github.com/flowmesh/schedd/pkg/errors"
)

// Stop modes, ordered by urgency low to high (spec.md §4.8).
const (
	AUTO                schederrors.StopMode = "AUTO"
	AUTOOnTaskFailure    schederrors.StopMode = "AUTO_ON_TASK_FAILURE"
	RequestClean         schederrors.StopMode = "REQUEST_CLEAN"
	RequestKill          schederrors.StopMode = "REQUEST_KILL"
	RequestNow           schederrors.StopMode = "REQUEST_NOW"
	RequestNowNow        schederrors.StopMode = "REQUEST_NOW_NOW"
)

var urgency = map[schederrors.StopMode]int{
	AUTO:              0,
	AUTOOnTaskFailure: 1,
	RequestClean:      2,
	RequestKill:       3,
	RequestNow:        4,
	RequestNowNow:     5,
}

// Controller tracks the requested stop mode and decides, each tick,
// whether the pool can now stop (spec.md §4.8 step (c)).
type Controller struct {
	mu       sync.Mutex
	mode     schederrors.StopMode
	set      bool
	stopping bool
}

// NewController creates a controller with no stop requested.
func NewController() *Controller {
	return &Controller{}
}

// Request sets the stop mode, only ever escalating urgency — a lower-
// urgency request arriving after a higher one is a no-op, matching the
// "ordered by urgency" contract in spec.md §4.8.
func (c *Controller) Request(mode schederrors.StopMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set || urgency[mode] > urgency[c.mode] {
		c.mode = mode
		c.set = true
	}
}

// Mode returns the current stop mode and whether one has been requested.
func (c *Controller) Mode() (schederrors.StopMode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, c.set
}

// ActiveJobCounter reports how many jobs are currently active
// (preparing/submitted/running), used to decide when a clean/kill stop
// can proceed.
type ActiveJobCounter interface {
	ActiveCount() int
}

// CanStop reports whether the pool can stop now given the requested
// mode and the current count of active jobs (spec.md §4.8 step (c)).
func (c *Controller) CanStop(jobs ActiveJobCounter) bool {
	mode, set := c.Mode()
	if !set {
		return false
	}
	switch mode {
	case RequestNowNow:
		return true
	case RequestNow:
		// stop promptly but let local helpers finish — approximated
		// here as "no local active jobs remain"; helper draining is the
		// subprocess pool's concern, tracked by the caller.
		return jobs.ActiveCount() == 0
	case RequestClean, RequestKill:
		return jobs.ActiveCount() == 0
	case AUTO, AUTOOnTaskFailure:
		return jobs.ActiveCount() == 0
	default:
		return false
	}
}

// BeginStopping marks the controller as actively draining toward
// shutdown; idempotent.
func (c *Controller) BeginStopping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopping = true
}

// Stopping reports whether shutdown has begun.
func (c *Controller) Stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// StopException builds the sentinel error to raise once the pool is
// ready to stop (spec.md §4.8 step (c) "emit stop exception").
func (c *Controller) StopException(reason string) *schederrors.SchedulerStop {
	mode, _ := c.Mode()
	return &schederrors.SchedulerStop{Mode: mode, Reason: reason}
}
