package jobmanager

import (
	"context"
	"sync"

	"github.com/flowmesh/schedd/internal/taskdef"
)

// RemoteInitMap is keyed by install-target; the main loop polls it each
// tick to advance or clear entries (spec.md §4.5 "Remote init map").
// Dedup is by install-target: only one fan-out runs per target per
// restart (SPEC_FULL.md SUPPLEMENTED FEATURES item 2 — this also
// covers the restart path, not only cold start).
type RemoteInitMap struct {
	mu    sync.Mutex
	state map[string]InstallState
}

// NewRemoteInitMap creates an empty remote-init map.
func NewRemoteInitMap() *RemoteInitMap {
	return &RemoteInitMap{state: make(map[string]InstallState)}
}

// Ensure registers installTarget as pending if it is not already known,
// returning whether this call started tracking a new target (i.e.
// whether the caller should kick off Init).
func (m *RemoteInitMap) Ensure(installTarget string) (isNew bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state[installTarget]; ok {
		return false
	}
	m.state[installTarget] = InstallPending
	return true
}

// State returns the current state of an install target.
func (m *RemoteInitMap) State(installTarget string) (InstallState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[installTarget]
	return s, ok
}

// SetState updates an install target's state.
func (m *RemoteInitMap) SetState(installTarget string, s InstallState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[installTarget] = s
}

// Clear removes a terminal install target's entry so it can be retried
// fresh (e.g. on reload).
func (m *RemoteInitMap) Clear(installTarget string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, installTarget)
}

// ClearAll wipes every tracked install target, used on config reload
// (spec.md §4.1 step 2 "clear install map").
func (m *RemoteInitMap) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = make(map[string]InstallState)
}

// Pending returns the install targets not yet in a terminal state.
func (m *RemoteInitMap) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for target, s := range m.state {
		if !s.Terminal() {
			out = append(out, target)
		}
	}
	return out
}

// Advance progresses one install target through init then file-install,
// using installer to perform the actual work. It is safe to call
// concurrently for distinct install targets; the main loop typically
// fans this out with a bounded-concurrency group (spec.md §4.5 dedup by
// install-target).
func (m *RemoteInitMap) Advance(ctx context.Context, installTarget string, platform taskdef.Platform, installer RemoteInstaller) {
	state, ok := m.State(installTarget)
	if !ok || state.Terminal() {
		return
	}

	switch state {
	case InstallPending:
		if err := installer.Init(ctx, installTarget, platform); err != nil {
			m.SetState(installTarget, InstallInitFailed)
			return
		}
		m.SetState(installTarget, InstallInitDone)
	case InstallInitDone:
		if err := installer.InstallFiles(ctx, installTarget, platform); err != nil {
			m.SetState(installTarget, InstallFileInstallFailed)
			return
		}
		m.SetState(installTarget, InstallFileInstallDone)
	}
}
