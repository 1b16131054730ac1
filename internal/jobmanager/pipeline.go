package jobmanager

import (
	"context"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	schederrors "github.com/flowmesh/schedd/pkg/errors"

	"github.com/flowmesh/schedd/internal/taskdef"
)

// JobFileWriter writes the job script for a task instance to disk,
// returning the path the runner should execute (spec.md §4.5
// "Job file write").
type JobFileWriter interface {
	Write(ctx context.Context, instanceIdentity string, platform taskdef.Platform) (scriptPath string, err error)
}

// Manager drives the per-task submission pipeline, with bounded
// concurrency across the fan-out stages (host select, remote init
// advancement, submit) mirroring the teacher's use of golang.org/x/sync
// for bounded-concurrency work.
type Manager struct {
	hosts     HostSelector
	installer RemoteInstaller
	writer    JobFileWriter
	runner    JobRunner

	installMap *RemoteInitMap
	badHosts   map[string]bool

	sem *semaphore.Weighted
}

// Config configures a Manager's bounded concurrency.
type Config struct {
	MaxConcurrentSubmits int64
}

// NewManager creates a job submission pipeline manager.
func NewManager(hosts HostSelector, installer RemoteInstaller, writer JobFileWriter, runner JobRunner, cfg Config) *Manager {
	if cfg.MaxConcurrentSubmits <= 0 {
		cfg.MaxConcurrentSubmits = 8
	}
	return &Manager{
		hosts:      hosts,
		installer:  installer,
		writer:     writer,
		runner:     runner,
		installMap: NewRemoteInitMap(),
		badHosts:   make(map[string]bool),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentSubmits),
	}
}

// InstallMap exposes the manager's remote-init map for the main loop
// to poll each tick (spec.md §4.1 step 1).
func (m *Manager) InstallMap() *RemoteInitMap { return m.installMap }

// AdvanceInstalls fans the pending install targets out to Advance,
// bounded by the manager's concurrency limit, using errgroup the way
// the teacher's bounded-concurrency helpers do.
func (m *Manager) AdvanceInstalls(ctx context.Context, targets map[string]taskdef.Platform) error {
	g, ctx := errgroup.WithContext(ctx)
	for target, platform := range targets {
		target, platform := target, platform
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer m.sem.Release(1)
			m.installMap.Advance(ctx, target, platform, m.installer)
			return nil
		})
	}
	return g.Wait()
}

// SubmitOne drives one task instance through the remaining pipeline
// stages starting from sub.Stage, stopping either at StageDone or at
// the first stage that fails (which sets sub.Failed).
func (m *Manager) SubmitOne(ctx context.Context, sub *TaskSubmission) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		sub.Failed = true
		sub.FailureReason = err.Error()
		return
	}
	defer m.sem.Release(1)

	for sub.Stage != StageDone && !sub.Failed {
		switch sub.Stage {
		case StageHostSelect:
			host, err := m.hosts.Select(ctx, sub.Platform, m.badHosts)
			if err != nil {
				sub.Failed = true
				sub.FailureReason = (&schederrors.HostSelectError{Reason: err.Error()}).Error()
				return
			}
			sub.Host = host
			sub.Stage = StageRemoteInit
		case StageRemoteInit:
			if m.installMap.Ensure(sub.InstallTarget) {
				m.installMap.Advance(ctx, sub.InstallTarget, sub.Platform, m.installer)
			}
			state, _ := m.installMap.State(sub.InstallTarget)
			switch state {
			case InstallInitDone, InstallFileInstallDone:
				sub.Stage = StageFileInstall
			case InstallInitFailed, InstallUnreachable255:
				sub.Failed = true
				sub.FailureReason = "remote init failed for install target " + sub.InstallTarget
				return
			default:
				// still pending; try again next tick
				return
			}
		case StageFileInstall:
			state, _ := m.installMap.State(sub.InstallTarget)
			if state == InstallFileInstallDone {
				sub.Stage = StageJobFileWrite
				continue
			}
			m.installMap.Advance(ctx, sub.InstallTarget, sub.Platform, m.installer)
			state, _ = m.installMap.State(sub.InstallTarget)
			if state == InstallFileInstallFailed {
				sub.Failed = true
				sub.FailureReason = "file install failed for install target " + sub.InstallTarget
				return
			}
			return
		case StageJobFileWrite:
			path, err := m.writer.Write(ctx, sub.InstanceIdentity, sub.Platform)
			if err != nil {
				sub.Failed = true
				sub.FailureReason = err.Error()
				return
			}
			sub.JobID = filepath.Base(path)
			sub.Stage = StageSubmit
		case StageSubmit:
			jobID, submitTime, err := m.runner.Submit(ctx, sub.Platform, sub.JobID)
			if err != nil {
				sub.Failed = true
				sub.FailureReason = err.Error()
				return
			}
			sub.JobID = jobID
			sub.SubmitTime = submitTime
			sub.Stage = StageDone
		}
	}
}

// MarkHostBad excludes a host from future selection for this run,
// matching spec.md §4.5 "excludes hosts in a bad-host set".
func (m *Manager) MarkHostBad(host string) {
	m.badHosts[host] = true
}

// Poll checks one job's outcome through the platform's job runner,
// used by the `poll_tasks` command (spec.md §4.3).
func (m *Manager) Poll(ctx context.Context, platform taskdef.Platform, jobID string) (running bool, succeeded bool, err error) {
	return m.runner.Poll(ctx, platform, jobID)
}

// Kill sends a kill to one job through the platform's job runner, used
// by the `kill_tasks` command (spec.md §4.3).
func (m *Manager) Kill(ctx context.Context, platform taskdef.Platform, jobID string) error {
	return m.runner.Kill(ctx, platform, jobID)
}
