// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/flowmesh/schedd/internal/command"
	"github.com/flowmesh/schedd/internal/config"
	"github.com/flowmesh/schedd/internal/contact"
	"github.com/flowmesh/schedd/internal/cyclepoint"
	"github.com/flowmesh/schedd/internal/datastore"
	"github.com/flowmesh/schedd/internal/db"
	"github.com/flowmesh/schedd/internal/defload"
	"github.com/flowmesh/schedd/internal/dummyrunner"
	"github.com/flowmesh/schedd/internal/engine"
	"github.com/flowmesh/schedd/internal/eventmgr"
	"github.com/flowmesh/schedd/internal/flowno"
	"github.com/flowmesh/schedd/internal/jobmanager"
	"github.com/flowmesh/schedd/internal/log"
	"github.com/flowmesh/schedd/internal/pool"
	"github.com/flowmesh/schedd/internal/queue"
	"github.com/flowmesh/schedd/internal/reload"
	"github.com/flowmesh/schedd/internal/rpcauth"
	"github.com/flowmesh/schedd/internal/shutdown"
	"github.com/flowmesh/schedd/internal/taskdef"
	"github.com/flowmesh/schedd/internal/telemetry"
	"github.com/flowmesh/schedd/internal/timer"
	schederrors "github.com/flowmesh/schedd/pkg/errors"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = pflag.String("config", "", "Path to scheduler config YAML")
		defsPath     = pflag.String("defs", "", "Path to compiled task definitions YAML")
		startPoint   = pflag.String("start-cycle-point", "", "Initial cycle point")
		stopPoint    = pflag.String("stop-cycle-point", "", "Cycle point beyond which no new tasks spawn")
		holdAfter    = pflag.String("hold-after-cycle-point", "", "Hold every task beyond this cycle point on start")
		runMode      = pflag.String("run-mode", "", "Run mode: live, dummy, or simulation")
		pausedStart  = pflag.Bool("paused-start", false, "Start with the task pool paused")
		reftest      = pflag.Bool("reftest", false, "Compare run against a recorded reference log")
		genref       = pflag.Bool("genref", false, "Generate a reference log instead of comparing")
		profileMode  = pflag.Bool("profile-mode", false, "Enable per-tick resource profiling output")
		listen       = pflag.String("listen", "", "RPC listener address")
		workflowsDir = pflag.String("workflows-dir", "", "Directory holding the workflow source")
		runDir       = pflag.String("run-dir", "", "Per-run working directory")
		dataDir      = pflag.String("data-dir", "", "Directory holding the persistent database")
		showVersion  = pflag.Bool("version", false, "Show version information")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("schedulerd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *startPoint != "" {
		cfg.StartCyclePoint = *startPoint
	}
	if *stopPoint != "" {
		cfg.StopCyclePoint = *stopPoint
	}
	if *holdAfter != "" {
		cfg.HoldAfterCyclePoint = *holdAfter
	}
	if *runMode != "" {
		cfg.Mode = config.RunMode(*runMode)
	}
	if *pausedStart {
		cfg.PausedStart = true
	}
	if *reftest {
		cfg.Reftest = true
	}
	if *genref {
		cfg.Genref = true
	}
	if *profileMode {
		cfg.ProfileMode = true
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *workflowsDir != "" {
		cfg.WorkflowsDir = *workflowsDir
	}
	if *runDir != "" {
		cfg.RunDir = *runDir
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}

	if *defsPath == "" {
		logger.Error("--defs is required: path to compiled task definitions YAML")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, cleanup, err := buildEngine(ctx, cfg, *defsPath, logger)
	if err != nil {
		logger.Error("failed to build scheduler", slog.Any("error", err))
		os.Exit(1)
	}
	defer cleanup()

	if err := eng.WriteContact(cfg.RunDir); err != nil {
		logger.Error("failed to write contact file", slog.Any("error", err))
		os.Exit(1)
	}
	defer eng.RemoveContact(cfg.RunDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		eng.Stop(shutdown.RequestClean)
		cancel()
		<-errCh
	case err := <-errCh:
		var stopErr *schederrors.SchedulerStop
		if err != nil && !asSchedulerStop(err, &stopErr) {
			logger.Error("scheduler exited with error", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("scheduler stopped")
	}
}

// asSchedulerStop reports whether err is a *schederrors.SchedulerStop,
// the sentinel used for an orderly shutdown.
func asSchedulerStop(err error, target **schederrors.SchedulerStop) bool {
	se, ok := err.(*schederrors.SchedulerStop)
	if ok {
		*target = se
	}
	return ok
}

// buildEngine wires every collaborator the main loop drives each tick
// and returns the assembled engine plus a cleanup func for the
// process-lifetime resources (database handle, reload watcher).
func buildEngine(ctx context.Context, cfg *config.Config, defsPath string, logger *slog.Logger) (*engine.Engine, func(), error) {
	defs, err := defload.Load(defsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load task definitions: %w", err)
	}

	runaheadLimit := parseRunaheadLimit(cfg.RunaheadLimit)
	flows := flowno.NewManager()
	p := pool.New(defs, flows, runaheadLimit)
	for name, limit := range cfg.QueueLimits {
		p.SetQueueLimit(name, limit)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	dbStore, err := db.Open(ctx, db.Config{Path: filepath.Join(cfg.DataDir, "scheduler.db"), WAL: true})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	publicDBStore, err := db.Open(ctx, db.Config{Path: filepath.Join(cfg.DataDir, "public.db"), WAL: true})
	if err != nil {
		return nil, nil, fmt.Errorf("open public database: %w", err)
	}

	var runner dummyrunner.Runner
	jobs := jobmanager.NewManager(&runner, &runner, &runner, &runner, jobmanager.Config{
		MaxConcurrentSubmits: cfg.SubmitConcurrency,
	})

	restoredRows, err := dbStore.LoadTaskPool(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load persisted task pool: %w", err)
	}
	if len(restoredRows) > 0 {
		if err := restartPool(p, jobs, defs, restoredRows); err != nil {
			return nil, nil, fmt.Errorf("restore task pool: %w", err)
		}
		logger.Info("restored task pool from database", slog.Int("instances", len(restoredRows)))
	} else {
		start, err := parseStartPoint(cfg.StartCyclePoint, defs)
		if err != nil {
			return nil, nil, fmt.Errorf("start cycle point: %w", err)
		}
		p.LoadFromPoint(start)
	}
	p.ReleaseRunaheadTasks()
	p.SetPaused(cfg.PausedStart)

	if cfg.StopCyclePoint != "" {
		sp, err := cyclepointParse(cfg.StopCyclePoint)
		if err != nil {
			return nil, nil, fmt.Errorf("stop cycle point: %w", err)
		}
		p.SetStopPoint(sp)
	}
	if cfg.HoldAfterCyclePoint != "" {
		hp, err := cyclepointParse(cfg.HoldAfterCyclePoint)
		if err != nil {
			return nil, nil, fmt.Errorf("hold-after cycle point: %w", err)
		}
		p.SetHoldPoint(hp)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))

	xtCaller := dummyrunner.Caller{}
	deps := engine.Deps{
		Pool:       p,
		CmdQueue:   queue.NewCommandQueue(),
		MsgQueue:   queue.NewMessageQueue(),
		ExtQueue:   queue.NewExtTriggerQueue(),
		Registry:   command.NewRegistry(),
		Stop:       shutdown.NewController(),
		Jobs:       jobs,
		XTriggers:  eventmgr.NewXTriggerManager(xtCaller),
		ExtTrigger: eventmgr.NewExtTriggerMatcher(),
		Late:       eventmgr.NewLateDetector(),
		Store:      datastore.New(),
		DB:         dbStore,
		PublicDB:   publicDBStore,
		Metrics:    telemetry.New(prometheus.DefaultRegisterer),
		Tracer:     telemetry.NewTracer(tp),
		Contact: contact.NewData(
			filepath.Base(cfg.WorkflowsDir),
			currentUser(),
			cfg.RunDir,
			"ssh",
			cfg.WorkflowsDir,
			false,
			listenPort(cfg.Listen),
			listenPort(cfg.PublishListen),
		),
		Logger: logger,
	}
	timers := timer.NewRegistry()
	deps.Timers = timers
	deps.Stall = eventmgr.NewStallTracker(timers)

	if cfg.WorkflowsDir != "" {
		if watcher, err := reload.New(cfg.WorkflowsDir); err == nil {
			deps.Reload = watcher
			watcher.Start(ctx)
		} else {
			logger.Warn("reload watcher disabled", slog.Any("error", err))
		}
	}

	if err := issueClientToken(cfg, deps.Contact.WorkflowID, logger); err != nil {
		logger.Warn("client token not issued", slog.Any("error", err))
	}

	eng := engine.New(cfg, deps)

	cleanup := func() {
		if deps.Reload != nil {
			deps.Reload.Stop()
		}
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("error shutting down tracer provider", slog.Any("error", err))
		}
		if err := dbStore.Close(); err != nil {
			logger.Warn("error closing database", slog.Any("error", err))
		}
		if err := publicDBStore.Close(); err != nil {
			logger.Warn("error closing public database", slog.Any("error", err))
		}
	}
	return eng, cleanup, nil
}

// parseRunaheadLimit reads a count-based runahead window ("P3" meaning
// 3 cycle points); only the count form is supported, matching the
// task pool's count-based window (internal/pool.Pool.runaheadLimit).
func parseRunaheadLimit(raw string) int {
	trimmed := strings.TrimPrefix(raw, "P")
	n, err := strconv.Atoi(trimmed)
	if err != nil || n <= 0 {
		return 3
	}
	return n
}

// parseStartPoint resolves the configured start cycle point. Empty
// selects the graph's own first point: the earliest first point among
// the loaded definitions, which share one calendar (Point.Compare
// panics across calendars, so picking any definition's first point
// gives a start of the right calendar for every sequence).
func parseStartPoint(raw string, defs []*taskdef.Definition) (cyclepoint.Point, error) {
	if raw != "" {
		return cyclepointParse(raw)
	}
	if len(defs) == 0 {
		return cyclepoint.Point{}, fmt.Errorf("no task definitions loaded")
	}
	earliest := defs[0].Sequence.First()
	for _, d := range defs[1:] {
		if p := d.Sequence.First(); p.Before(earliest) {
			earliest = p
		}
	}
	return earliest, nil
}

// restartPool converts persisted task_pool rows into the pool's own
// restore shape and loads them, then re-queues remote-init for every
// distinct install target among the restored instances: the scheduler
// process (and its in-memory remote-init map) is new, so whatever the
// previous process had already verified must be re-checked before any
// restored task resumes submitting.
func restartPool(p *pool.Pool, jobs *jobmanager.Manager, defs []*taskdef.Definition, rows []db.TaskPoolRow) error {
	defByName := make(map[string]*taskdef.Definition, len(defs))
	for _, d := range defs {
		defByName[d.Name] = d
	}

	restored := make([]pool.RestoredInstance, 0, len(rows))
	targets := make(map[string]bool)
	for _, row := range rows {
		point, err := cyclepointParse(row.CyclePoint)
		if err != nil {
			return fmt.Errorf("restored cycle point %q: %w", row.CyclePoint, err)
		}
		restored = append(restored, pool.RestoredInstance{
			Identity:    pool.Identity{Point: point, Name: row.Name},
			Status:      pool.Status(row.Status),
			Flows:       row.Flows,
			Held:        row.Held,
			Queued:      row.Queued,
			Runahead:    row.Runahead,
			SubmitCount: row.SubmitCount,
		})
		if def, ok := defByName[row.Name]; ok && def.Platform.InstallTarget != "" {
			targets[def.Platform.InstallTarget] = true
		}
	}

	if err := p.LoadDBTaskPoolForRestart(restored); err != nil {
		return err
	}
	for target := range targets {
		jobs.InstallMap().Ensure(target)
	}
	return nil
}

func cyclepointParse(raw string) (cyclepoint.Point, error) {
	if p, err := cyclepoint.ParseInt(raw); err == nil {
		return p, nil
	}
	return cyclepoint.ParseISO(raw)
}

func listenPort(addr string) int {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0
	}
	return port
}

// issueClientToken reads the workflow's RPC signing secret and mints a
// long-lived bearer token for RPC clients, written next to the contact
// file. Serving the RPC surface itself is an external collaborator;
// this only covers the authentication material an external server
// would validate against (internal/rpcauth).
func issueClientToken(cfg *config.Config, workflowID string, logger *slog.Logger) error {
	if cfg.RPCSecretFile == "" {
		return nil
	}
	secret, err := os.ReadFile(cfg.RPCSecretFile)
	if err != nil {
		return fmt.Errorf("read rpc secret: %w", err)
	}
	token, err := rpcauth.Issue(rpcauth.Config{Secret: secret, Issuer: workflowID}, []string{
		rpcauth.ScopeSubmit, rpcauth.ScopeSubscribe, rpcauth.ScopeQuery,
	}, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("issue client token: %w", err)
	}
	path := filepath.Join(cfg.RunDir, "client.token")
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("write client token: %w", err)
	}
	logger.Info("issued RPC client token", slog.String("path", path))
	return nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
