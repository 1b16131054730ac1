package db_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/schedd/internal/cyclepoint"
	"github.com/flowmesh/schedd/internal/db"
	"github.com/flowmesh/schedd/internal/pool"
)

func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	s, err := db.Open(context.Background(), db.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowParamRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetWorkflowParam(ctx, "paused")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutWorkflowParam(ctx, "paused", "true"))
	value, ok, err := s.GetWorkflowParam(ctx, "paused")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", value)

	require.NoError(t, s.PutWorkflowParam(ctx, "paused", "false"))
	value, _, err = s.GetWorkflowParam(ctx, "paused")
	require.NoError(t, err)
	require.Equal(t, "false", value)
}

func TestPutAndLoadTaskPool(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	point, err := cyclepoint.ParseInt("1")
	require.NoError(t, err)

	snaps := []pool.Snapshot{
		{
			Identity:    pool.Identity{Point: point, Name: "alpha"},
			Status:      pool.StatusRunning,
			Flows:       []int64{1, 2},
			SubmitCount: 3,
			Held:        true,
		},
	}
	require.NoError(t, s.PutTaskPool(ctx, snaps))

	rows, err := s.LoadTaskPool(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "alpha", rows[0].Name)
	require.Equal(t, "1", rows[0].CyclePoint)
	require.Equal(t, "running", rows[0].Status)
	require.ElementsMatch(t, []int64{1, 2}, rows[0].Flows)
	require.True(t, rows[0].Held)
	require.False(t, rows[0].Queued)

	// Replacing the pool contents clears stale rows.
	require.NoError(t, s.PutTaskPool(ctx, nil))
	rows, err = s.LoadTaskPool(ctx)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestPutTaskJobUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutTaskJob(ctx, "1", "alpha", 1, "job-1", "localhost", "background", "", time.Now()))
	require.NoError(t, s.PutTaskJob(ctx, "1", "alpha", 1, "job-1-retry", "localhost", "background", "", time.Now()))
}

func TestPutXTriggerResultAndLateFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutXTriggerResult(ctx, "sig-abc", true, `{"ok":true}`))
	require.NoError(t, s.PutLateFlag(ctx, "1", "alpha", true))
}

func TestPingFailsAfterClose(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, s.Close())
	require.Error(t, s.Ping(context.Background()))
}

func TestSnapshotToProducesReopenableCopy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutWorkflowParam(ctx, "paused", "true"))

	dest := filepath.Join(t.TempDir(), "public.db")
	require.NoError(t, s.SnapshotTo(ctx, dest))

	reopened, err := db.Open(ctx, db.Config{Path: dest})
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	value, ok, err := reopened.GetWorkflowParam(ctx, "paused")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", value)
}
