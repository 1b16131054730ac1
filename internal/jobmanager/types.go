// Package jobmanager implements the job submission pipeline: host
// select, remote init fan-out, file install, job file write, and
// submit (spec.md §4.5).
package jobmanager

import (
	"context"
	"time"

	"github.com/flowmesh/schedd/internal/taskdef"
)

// InstallState is one install-target's progress through remote init
// (spec.md §4.5).
type InstallState string

// Recognised install-target states.
const (
	InstallPending           InstallState = "pending"
	InstallInitDone          InstallState = "init-done"
	InstallFileInstallDone   InstallState = "file-install-done"
	InstallInitFailed        InstallState = "init-failed"
	InstallFileInstallFailed InstallState = "file-install-failed"
	InstallUnreachable255    InstallState = "unreachable-255"
)

// Terminal reports whether the install state will not advance further
// without operator intervention.
func (s InstallState) Terminal() bool {
	switch s {
	case InstallFileInstallDone, InstallInitFailed, InstallFileInstallFailed, InstallUnreachable255:
		return true
	default:
		return false
	}
}

// JobRunner submits, polls, and kills jobs on a platform's execution
// backend (spec.md §4.5 "Submit — via platform's job runner").
type JobRunner interface {
	Submit(ctx context.Context, platform taskdef.Platform, jobScript string) (jobID string, submitTime time.Time, err error)
	Poll(ctx context.Context, platform taskdef.Platform, jobID string) (running bool, succeeded bool, err error)
	Kill(ctx context.Context, platform taskdef.Platform, jobID string) error
}

// HostSelector resolves a usable host for a platform, excluding hosts
// already known bad (spec.md §4.5 "Host select").
type HostSelector interface {
	Select(ctx context.Context, platform taskdef.Platform, badHosts map[string]bool) (host string, err error)
}

// RemoteInstaller performs the remote-init and file-install actions for
// an install target (spec.md §4.5 "Remote init", "File install").
type RemoteInstaller interface {
	Init(ctx context.Context, installTarget string, platform taskdef.Platform) error
	InstallFiles(ctx context.Context, installTarget string, platform taskdef.Platform) error
}

// Stage identifies one step of the per-task submission pipeline.
type Stage string

// Pipeline stages, in order (spec.md §4.5).
const (
	StageHostSelect  Stage = "host-select"
	StageRemoteInit  Stage = "remote-init"
	StageFileInstall Stage = "file-install"
	StageJobFileWrite Stage = "job-file-write"
	StageSubmit      Stage = "submit"
	StageDone        Stage = "done"
)

// TaskSubmission tracks one task instance's progress through the
// pipeline. The engine keeps one TaskSubmission per in-flight instance
// from tick to tick, and each SubmitOne call resumes from the Stage
// recorded here rather than recomputing it from the instance.
type TaskSubmission struct {
	InstanceIdentity string
	Platform         taskdef.Platform
	InstallTarget    string
	Host             string
	JobID            string
	SubmitTime       time.Time
	Stage            Stage
	Failed           bool
	FailureReason    string
}
