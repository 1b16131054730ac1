// Package engine drives the scheduler's main loop: the ordered tick
// that drains the command/message/external-trigger queues, advances
// the task pool and job submission pipeline, runs timer and stall
// checks, persists and publishes deltas, and evaluates shutdown
// eligibility (spec.md §4.1), grounded on the teacher's ticker-based
// scheduler loop and daemon component wiring.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowmesh/schedd/internal/command"
	"github.com/flowmesh/schedd/internal/config"
	"github.com/flowmesh/schedd/internal/contact"
	"github.com/flowmesh/schedd/internal/datastore"
	"github.com/flowmesh/schedd/internal/db"
	"github.com/flowmesh/schedd/internal/eventmgr"
	"github.com/flowmesh/schedd/internal/jobmanager"
	"github.com/flowmesh/schedd/internal/pool"
	"github.com/flowmesh/schedd/internal/queue"
	"github.com/flowmesh/schedd/internal/reload"
	"github.com/flowmesh/schedd/internal/shutdown"
	"github.com/flowmesh/schedd/internal/taskdef"
	"github.com/flowmesh/schedd/internal/telemetry"
	"github.com/flowmesh/schedd/internal/timer"
	schederrors "github.com/flowmesh/schedd/pkg/errors"
)

// HelperPool stands in for the out-of-scope subprocess pool (spec.md
// §1 "subprocess pool execution of external helpers" is an external
// collaborator): Advance progresses whatever work it holds and reports
// how much remains pending. The tick calls Advance once per pass and
// does not use the returned count, so helper work does not change the
// tick cadence.
type HelperPool interface {
	Advance(ctx context.Context) (pending int)
}

// noopHelperPool is used when the caller has no subprocess pool to
// wire in (e.g. unit tests): it always reports no pending work.
type noopHelperPool struct{}

func (noopHelperPool) Advance(context.Context) int { return 0 }

// ReloadSource supplies freshly-compiled task definitions when
// `reload_workflow` runs (spec.md §4.1 step 2); graph compilation
// itself is an external collaborator (spec.md §1).
type ReloadSource interface {
	Definitions(ctx context.Context) ([]*taskdef.Definition, error)
}

// Config bundles an Engine's tunables, taken from the resolved
// scheduler configuration.
type Config struct {
	TickInterval      time.Duration
	QuickTickInterval time.Duration
	StallTimeout      time.Duration
}

// Engine owns one running workflow's main loop and every collaborator
// it drives each tick.
type Engine struct {
	cfg Config

	pool    *pool.Pool
	flowsMu struct{} // placeholder to keep struct alignment readable

	cmdQueue *queue.CommandQueue
	msgQueue *queue.MessageQueue
	extQueue *queue.ExtTriggerQueue

	registry *command.Registry
	stop     *shutdown.Controller
	restart  *shutdown.AutoRestart

	jobs      *jobmanager.Manager
	xtriggers *eventmgr.XTriggerManager
	exttrig   *eventmgr.ExtTriggerMatcher
	late      *eventmgr.LateDetector
	stall     *eventmgr.StallTracker
	timers    *timer.Registry

	outputs    *OutputTracker
	broadcasts *BroadcastStore

	store    *datastore.Store
	db       *db.Store
	publicDB *db.Store

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	reloadWatcher *reload.Watcher
	reloadSource  ReloadSource
	helperPool    HelperPool
	contactData   contact.Data

	logger *slog.Logger

	mode config.RunMode

	bindings  *command.Bindings
	verbosity *slog.LevelVar

	pending  map[string]*jobmanager.TaskSubmission // instance identity -> in-flight submission
	jobIndex map[string]string                     // job id -> instance identity
	queuedAt map[string]time.Time                  // instance identity -> time it was marked queued, for late detection

	pluginHooks []func(context.Context) error

	tickDurations []time.Duration
	tickCount     int64
}

// Deps bundles the collaborators a caller (cmd/schedulerd) wires
// together; every field is required except where noted.
type Deps struct {
	Pool       *pool.Pool
	CmdQueue   *queue.CommandQueue
	MsgQueue   *queue.MessageQueue
	ExtQueue   *queue.ExtTriggerQueue
	Registry   *command.Registry
	Stop       *shutdown.Controller
	Restart    *shutdown.AutoRestart // optional; nil disables eviction handling
	Jobs       *jobmanager.Manager
	XTriggers  *eventmgr.XTriggerManager
	ExtTrigger *eventmgr.ExtTriggerMatcher
	Late       *eventmgr.LateDetector
	Stall      *eventmgr.StallTracker
	Timers     *timer.Registry
	Store      *datastore.Store
	DB         *db.Store
	PublicDB   *db.Store // optional; nil disables the public-database corruption check
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
	Reload     *reload.Watcher // optional; nil disables reload-on-write
	ReloadSrc  ReloadSource    // optional
	HelperPool HelperPool      // optional; defaults to a no-op
	Contact    contact.Data
	Logger     *slog.Logger
}

// New assembles an Engine from its collaborators and scheduler config,
// registering the command bindings against Registry.
func New(cfg *config.Config, d Deps) *Engine {
	helperPool := d.HelperPool
	if helperPool == nil {
		helperPool = noopHelperPool{}
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg: Config{
			TickInterval:      cfg.TickInterval,
			QuickTickInterval: cfg.QuickTickInterval,
			StallTimeout:      cfg.StallTimeout,
		},
		mode:          cfg.Mode,
		pool:          d.Pool,
		cmdQueue:      d.CmdQueue,
		msgQueue:      d.MsgQueue,
		extQueue:      d.ExtQueue,
		registry:      d.Registry,
		stop:          d.Stop,
		restart:       d.Restart,
		jobs:          d.Jobs,
		xtriggers:     d.XTriggers,
		exttrig:       d.ExtTrigger,
		late:          d.Late,
		stall:         d.Stall,
		timers:        d.Timers,
		outputs:       NewOutputTracker(),
		broadcasts:    NewBroadcastStore(),
		store:         d.Store,
		db:            d.DB,
		publicDB:      d.PublicDB,
		metrics:       d.Metrics,
		tracer:        d.Tracer,
		reloadWatcher: d.Reload,
		reloadSource:  d.ReloadSrc,
		helperPool:    helperPool,
		contactData:   d.Contact,
		logger:        logger.With(slog.String("component", "engine")),
		verbosity:     new(slog.LevelVar),
		pending:       make(map[string]*jobmanager.TaskSubmission),
		jobIndex:      make(map[string]string),
		queuedAt:      make(map[string]time.Time),
	}

	e.bindings = &command.Bindings{
		Pool:        d.Pool,
		Stop:        d.Stop,
		Verbosity:   e.verbosity,
		Poll:        e.pollByIdentity,
		Kill:        e.killByIdentity,
		Reload:      e.reloadWorkflow,
		MarkUpdated: d.Store.MarkPublishPending,
	}
	command.Register(e.registry, e.bindings)

	return e
}

// pollByIdentity resolves a pool identity string back to its active
// job and polls it through the job manager, used by the `poll_tasks`
// command binding.
func (e *Engine) pollByIdentity(instanceIdentity string) error {
	insts := e.pool.ActiveMatching([]string{instanceIdentity})
	if len(insts) == 0 {
		return nil
	}
	inst := insts[0]
	running, succeeded, err := e.jobs.Poll(context.Background(), inst.Def.Platform, inst.LastJob.JobID)
	if err != nil {
		return err
	}
	if !running {
		if succeeded {
			inst.SetStatus(pool.StatusSucceeded)
			e.outputs.Emit(inst.Identity.Name, "succeeded")
		} else {
			e.handleJobFailure(inst)
		}
	}
	return nil
}

// killByIdentity resolves a pool identity string back to its active
// job and kills it through the job manager, used by the `kill_tasks`
// command binding.
func (e *Engine) killByIdentity(instanceIdentity string) error {
	insts := e.pool.ActiveMatching([]string{instanceIdentity})
	if len(insts) == 0 {
		return nil
	}
	inst := insts[0]
	return e.jobs.Kill(context.Background(), inst.Def.Platform, inst.LastJob.JobID)
}

// reloadWorkflow refreshes task definitions from reloadSource. Graph
// compilation is an external collaborator (spec.md §1): this only
// clears the install map and marks a data-store update pending, since
// swapping a running pool's task definitions in place would require
// rebuilding the instance graph, which reloadSource does not expose.
func (e *Engine) reloadWorkflow(ctx context.Context) error {
	if e.reloadSource == nil {
		return nil
	}
	if _, err := e.reloadSource.Definitions(ctx); err != nil {
		return err
	}
	e.jobs.InstallMap().ClearAll()
	e.stall.OnReload()
	return nil
}

// Run drives the main loop until ctx is cancelled or the stop
// controller decides the pool can stop, returning the SchedulerStop
// sentinel on an orderly exit (spec.md §4.8 step (c) "emit stop
// exception").
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stopErr := e.tick(ctx)
			if stopErr != nil {
				return stopErr
			}
			e.rescheduleTicker(ticker)
		}
	}
}

// rescheduleTicker switches to the quick cadence while the job
// manager's remote-install map has pending targets or any submission
// is still in flight in e.pending, and back to the nominal cadence
// otherwise. The helper pool's pending count is not consulted.
func (e *Engine) rescheduleTicker(ticker *time.Ticker) {
	quick := e.cfg.QuickTickInterval
	nominal := e.cfg.TickInterval
	if quick <= 0 || nominal <= 0 {
		return
	}
	if len(e.jobs.InstallMap().Pending()) > 0 || len(e.pending) > 0 {
		ticker.Reset(quick)
	} else {
		ticker.Reset(nominal)
	}
}

// Stop requests a graceful shutdown at the given urgency, the engine's
// entry point for signal-driven shutdown in cmd/schedulerd.
func (e *Engine) Stop(mode schederrors.StopMode) {
	e.stop.Request(mode)
}

// WriteContact writes the contact file once startup has bound a
// listener, so `get_contact_data`-equivalent discovery works for RPC
// clients (spec.md §6, SPEC_FULL.md SUPPLEMENTED FEATURES item 3).
func (e *Engine) WriteContact(runDir string) error {
	return contact.Write(runDir, e.contactData)
}

// RemoveContact removes the contact file on clean shutdown.
func (e *Engine) RemoveContact(runDir string) error {
	return contact.Remove(runDir)
}
