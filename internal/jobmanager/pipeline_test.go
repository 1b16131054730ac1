package jobmanager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/schedd/internal/jobmanager"
	"github.com/flowmesh/schedd/internal/taskdef"
)

type fakeHosts struct{}

func (fakeHosts) Select(_ context.Context, platform taskdef.Platform, bad map[string]bool) (string, error) {
	for _, h := range platform.Hosts {
		if !bad[h] {
			return h, nil
		}
	}
	return "", context.DeadlineExceeded
}

type fakeInstaller struct{ failInit, failFiles bool }

func (f fakeInstaller) Init(_ context.Context, _ string, _ taskdef.Platform) error {
	if f.failInit {
		return context.DeadlineExceeded
	}
	return nil
}

func (f fakeInstaller) InstallFiles(_ context.Context, _ string, _ taskdef.Platform) error {
	if f.failFiles {
		return context.DeadlineExceeded
	}
	return nil
}

type fakeWriter struct{}

func (fakeWriter) Write(_ context.Context, id string, _ taskdef.Platform) (string, error) {
	return "/run/" + id + "/job.sh", nil
}

type fakeRunner struct{}

func (fakeRunner) Submit(_ context.Context, _ taskdef.Platform, _ string) (string, time.Time, error) {
	return "job-123", time.Now(), nil
}
func (fakeRunner) Poll(_ context.Context, _ taskdef.Platform, _ string) (bool, bool, error) {
	return false, true, nil
}
func (fakeRunner) Kill(_ context.Context, _ taskdef.Platform, _ string) error { return nil }

func TestSubmitOneWalksFullPipeline(t *testing.T) {
	m := jobmanager.NewManager(fakeHosts{}, fakeInstaller{}, fakeWriter{}, fakeRunner{}, jobmanager.Config{})
	sub := &jobmanager.TaskSubmission{
		InstanceIdentity: "1/foo",
		Platform:         taskdef.Platform{Hosts: []string{"host-a"}},
		InstallTarget:    "host-a",
		Stage:            jobmanager.StageHostSelect,
	}

	// Pipeline stages advance one install-map state transition per
	// call; drive it until done or failed.
	for i := 0; i < 10 && sub.Stage != jobmanager.StageDone && !sub.Failed; i++ {
		m.SubmitOne(context.Background(), sub)
	}

	require.False(t, sub.Failed, sub.FailureReason)
	require.Equal(t, jobmanager.StageDone, sub.Stage)
	require.Equal(t, "job-123", sub.JobID)
}

func TestSubmitOneFailsOnHostSelectError(t *testing.T) {
	m := jobmanager.NewManager(fakeHosts{}, fakeInstaller{}, fakeWriter{}, fakeRunner{}, jobmanager.Config{})
	sub := &jobmanager.TaskSubmission{
		Platform: taskdef.Platform{Hosts: nil},
		Stage:    jobmanager.StageHostSelect,
	}

	m.SubmitOne(context.Background(), sub)
	require.True(t, sub.Failed)
}

func TestRemoteInitMapDedupsByTarget(t *testing.T) {
	rim := jobmanager.NewRemoteInitMap()
	require.True(t, rim.Ensure("host-a"))
	require.False(t, rim.Ensure("host-a"), "second Ensure for the same target must not re-register it")
}

func TestAdvanceInstallsFanOut(t *testing.T) {
	m := jobmanager.NewManager(fakeHosts{}, fakeInstaller{}, fakeWriter{}, fakeRunner{}, jobmanager.Config{MaxConcurrentSubmits: 2})
	m.InstallMap().Ensure("host-a")
	m.InstallMap().Ensure("host-b")

	err := m.AdvanceInstalls(context.Background(), map[string]taskdef.Platform{
		"host-a": {Hosts: []string{"host-a"}},
		"host-b": {Hosts: []string{"host-b"}},
	})
	require.NoError(t, err)

	stateA, _ := m.InstallMap().State("host-a")
	require.Equal(t, jobmanager.InstallInitDone, stateA)
}
