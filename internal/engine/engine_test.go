package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/flowmesh/schedd/internal/command"
	"github.com/flowmesh/schedd/internal/config"
	"github.com/flowmesh/schedd/internal/cyclepoint"
	"github.com/flowmesh/schedd/internal/datastore"
	"github.com/flowmesh/schedd/internal/db"
	"github.com/flowmesh/schedd/internal/dummyrunner"
	"github.com/flowmesh/schedd/internal/eventmgr"
	"github.com/flowmesh/schedd/internal/flowno"
	"github.com/flowmesh/schedd/internal/jobmanager"
	"github.com/flowmesh/schedd/internal/pool"
	"github.com/flowmesh/schedd/internal/queue"
	"github.com/flowmesh/schedd/internal/shutdown"
	"github.com/flowmesh/schedd/internal/taskdef"
	"github.com/flowmesh/schedd/internal/telemetry"
	"github.com/flowmesh/schedd/internal/timer"
)

func fooDef(t *testing.T) *taskdef.Definition {
	t.Helper()
	start, err := cyclepoint.ParseInt("1")
	require.NoError(t, err)
	seq, err := cyclepoint.NewIntSequence(start, 1)
	require.NoError(t, err)
	return &taskdef.Definition{
		Name:     "foo",
		Sequence: seq,
		Outputs:  []string{"succeeded"},
		Platform: taskdef.Platform{Name: "local", JobRunner: "dummy"},
	}
}

func newTestEngine(t *testing.T) (*Engine, pool.Identity) {
	t.Helper()
	ctx := context.Background()

	def := fooDef(t)
	start, err := cyclepoint.ParseInt("1")
	require.NoError(t, err)

	p := pool.New([]*taskdef.Definition{def}, flowno.NewManager(), 3)
	p.LoadFromPoint(start)
	p.ReleaseRunaheadTasks()

	var runner dummyrunner.Runner
	jobs := jobmanager.NewManager(&runner, &runner, &runner, &runner, jobmanager.Config{})

	dbStore, err := db.Open(ctx, db.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbStore.Close() })

	timers := timer.NewRegistry()
	cfg := &config.Config{Mode: config.RunDummy}

	e := New(cfg, Deps{
		Pool:       p,
		CmdQueue:   queue.NewCommandQueue(),
		MsgQueue:   queue.NewMessageQueue(),
		ExtQueue:   queue.NewExtTriggerQueue(),
		Registry:   command.NewRegistry(),
		Stop:       shutdown.NewController(),
		Jobs:       jobs,
		XTriggers:  eventmgr.NewXTriggerManager(dummyrunner.Caller{}),
		ExtTrigger: eventmgr.NewExtTriggerMatcher(),
		Late:       eventmgr.NewLateDetector(),
		Stall:      eventmgr.NewStallTracker(timers),
		Timers:     timers,
		Store:      datastore.New(),
		DB:         dbStore,
		Metrics:    telemetry.New(prometheus.NewRegistry()),
		Tracer:     telemetry.NewTracer(noop.NewTracerProvider()),
	})

	return e, pool.Identity{Point: start, Name: "foo"}
}

func TestTickRunsDummyTaskToSuccess(t *testing.T) {
	e, identity := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, e.tick(ctx))
		inst, ok := e.pool.Get(identity)
		require.True(t, ok)
		if inst.Status == pool.StatusSucceeded {
			require.Equal(t, int64(i+1), e.TickCount())
			return
		}
	}

	t.Fatal("task never reached StatusSucceeded within 5 ticks")
}

func TestTickCountAndDurationsAccumulate(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.tick(ctx))
	require.NoError(t, e.tick(ctx))

	require.Equal(t, int64(2), e.TickCount())
	require.Len(t, e.TickDurations(), 2)
}

// TestStepCheckDBHealthRepairsCorruptedPublicDB exercises the step 16
// public-database recovery path end to end: a public store whose
// handle has gone bad is closed, removed, and rebuilt from a fresh
// VACUUM INTO copy of the primary, then reopened in place.
func TestStepCheckDBHealthRepairsCorruptedPublicDB(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.db.PutWorkflowParam(ctx, "paused", "true"))

	publicPath := filepath.Join(t.TempDir(), "public.db")
	pub, err := db.Open(ctx, db.Config{Path: publicPath})
	require.NoError(t, err)
	require.NoError(t, pub.Close()) // simulate a public store that's gone bad
	e.publicDB = pub

	e.stepCheckDBHealth(ctx)

	require.NoError(t, e.publicDB.Ping(ctx))
	value, ok, err := e.publicDB.GetWorkflowParam(ctx, "paused")
	require.NoError(t, err)
	require.True(t, ok, "rebuilt public database should carry the primary's data")
	require.Equal(t, "true", value)

	t.Cleanup(func() { _ = e.publicDB.Close() })
}
