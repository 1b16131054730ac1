package shutdown

import (
	"context"
	"sync"
	"time"

	schederrors "github.com/flowmesh/schedd/pkg/errors"
)

// RestartMode selects how auto-restart behaves once eviction is
// requested (spec.md §4.8 "Auto-restart").
type RestartMode string

// Recognised restart modes.
const (
	RestartNormal RestartMode = "RESTART_NORMAL"
	ForceStop     RestartMode = "FORCE_STOP"
)

// Restarter invokes the external helper that starts a fresh scheduler
// instance on another host once this one has shut down.
type Restarter interface {
	Restart(ctx context.Context) error
}

const maxRestartAttempts = 3

// AutoRestart tracks the eviction deadline and drives the restart
// sequence described in spec.md §4.8: wait for local work to drain,
// escalate to REQUEST_NOW_NOW, then invoke the external restart helper
// with retry and backoff.
type AutoRestart struct {
	mu            sync.Mutex
	at            *time.Time
	mode          RestartMode
	errorInterval time.Duration
	controller    *Controller
	restarter     Restarter
}

// NewAutoRestart creates an auto-restart tracker bound to a stop controller.
func NewAutoRestart(controller *Controller, restarter Restarter, errorInterval time.Duration) *AutoRestart {
	if errorInterval <= 0 {
		errorInterval = 5 * time.Second
	}
	return &AutoRestart{controller: controller, restarter: restarter, errorInterval: errorInterval}
}

// RequestEviction records that the host has asked this scheduler to
// move, with the given mode and the time after which it should act.
func (a *AutoRestart) RequestEviction(at time.Time, mode RestartMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.at = &at
	a.mode = mode
}

// Due reports whether the eviction deadline has passed.
func (a *AutoRestart) Due(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.at != nil && !now.Before(*a.at)
}

// Tick advances the auto-restart state machine past its deadline
// (spec.md §4.8): FORCE_STOP transitions directly to REQUEST_NOW;
// RESTART_NORMAL waits for local active jobs to drain (via jobs) before
// escalating to REQUEST_NOW_NOW and invoking the restart helper.
func (a *AutoRestart) Tick(ctx context.Context, now time.Time, jobs ActiveJobCounter) error {
	if !a.Due(now) {
		return nil
	}

	a.mu.Lock()
	mode := a.mode
	a.mu.Unlock()

	if mode == ForceStop {
		a.controller.Request(RequestNow)
		return nil
	}

	if jobs.ActiveCount() > 0 {
		return nil // still draining
	}

	a.controller.Request(RequestNowNow)

	var lastErr error
	for attempt := 1; attempt <= maxRestartAttempts; attempt++ {
		if err := a.restarter.Restart(ctx); err != nil {
			lastErr = &schederrors.HostSelectError{Reason: err.Error()}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.errorInterval):
			}
			continue
		}
		return nil
	}
	return lastErr
}
