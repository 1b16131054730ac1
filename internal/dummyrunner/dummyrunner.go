// Package dummyrunner implements the job submission pipeline's
// external collaborators (spec.md §1 "tasks are external processes
// managed by platform-specific job runners") for dummy run mode: every
// stage succeeds immediately without touching a real execution
// platform, letting the engine be exercised end to end without a live
// backend.
package dummyrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/schedd/internal/taskdef"
)

// Runner is a no-op implementation of jobmanager's HostSelector,
// RemoteInstaller, JobFileWriter, and JobRunner interfaces.
type Runner struct{}

// New creates a dummy-mode runner.
func New() *Runner { return &Runner{} }

// Select picks the platform's first configured host not in badHosts,
// or "localhost" if none are declared; it returns an error when every
// declared host is excluded.
func (r *Runner) Select(_ context.Context, platform taskdef.Platform, badHosts map[string]bool) (string, error) {
	for _, h := range platform.Hosts {
		if !badHosts[h] {
			return h, nil
		}
	}
	if len(platform.Hosts) == 0 {
		return "localhost", nil
	}
	return "", fmt.Errorf("dummyrunner: all hosts excluded for platform %s", platform.Name)
}

// Init is a no-op: dummy mode never actually reaches a remote host.
func (r *Runner) Init(context.Context, string, taskdef.Platform) error { return nil }

// InstallFiles is a no-op, matching Init.
func (r *Runner) InstallFiles(context.Context, string, taskdef.Platform) error { return nil }

// Write returns a synthetic script path without touching disk.
func (r *Runner) Write(_ context.Context, instanceIdentity string, platform taskdef.Platform) (string, error) {
	return fmt.Sprintf("dummy://%s/%s", platform.Name, instanceIdentity), nil
}

// Submit mints a random job id and reports success instantly.
func (r *Runner) Submit(_ context.Context, _ taskdef.Platform, _ string) (string, time.Time, error) {
	return uuid.NewString(), time.Now(), nil
}

// Poll always reports the job as finished and succeeded: dummy mode
// has no real process to check on.
func (r *Runner) Poll(context.Context, taskdef.Platform, string) (running bool, succeeded bool, err error) {
	return false, true, nil
}

// Kill is a no-op: there is nothing running to signal.
func (r *Runner) Kill(context.Context, taskdef.Platform, string) error { return nil }

// Caller is a no-op implementation of eventmgr.Caller for dummy run
// mode: every xtrigger is reported satisfied on its first evaluation,
// since there is no real async predicate to wait on.
type Caller struct{}

// Call always reports satisfied with no result payload.
func (Caller) Call(_ context.Context, _ string, _ []any) (bool, map[string]any, error) {
	return true, nil, nil
}
