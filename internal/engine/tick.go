package engine

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/flowmesh/schedd/internal/config"
	"github.com/flowmesh/schedd/internal/cyclepoint"
	"github.com/flowmesh/schedd/internal/db"
	"github.com/flowmesh/schedd/internal/eventmgr"
	"github.com/flowmesh/schedd/internal/jobmanager"
	"github.com/flowmesh/schedd/internal/pool"
	"github.com/flowmesh/schedd/internal/queue"
	"github.com/flowmesh/schedd/internal/shutdown"
	"github.com/flowmesh/schedd/internal/taskdef"
	"github.com/flowmesh/schedd/internal/telemetry"
	"github.com/flowmesh/schedd/internal/timer"
)

// maxTickHistory bounds the tick-duration ring recorded each cycle
// (spec.md §4.1 step 21 "ring of last 10 intervals").
const maxTickHistory = 10

// tick runs one pass of the ordered main loop (spec.md §4.1), in the
// order the teacher's scheduler.tick method follows: drain, advance,
// evaluate, persist, then decide whether to keep going.
func (e *Engine) tick(ctx context.Context) (tickErr error) {
	start := time.Now()
	ctx, span := e.tracer.StartTick(ctx)
	defer func() { telemetry.EndWithError(span, tickErr) }()

	progressed := false

	// 1. remote-install fan-out
	e.stepAdvanceInstalls(ctx)

	// 2. reload application
	e.stepDrainReloadSignal(ctx)

	// 3. drain command queue
	e.stepDrainCommands(ctx)

	// 4. advance subprocess pool
	e.helperPool.Advance(ctx)

	// 5. evaluate readiness (xtriggers/ext-triggers -> mark queued)
	if readied := e.stepEvaluateReadiness(ctx); len(readied) > 0 {
		progressed = true
	}

	// 6. housekeep satisfied xtriggers
	e.stepHousekeepXTriggers()

	// 7. expire tasks past expiry
	if e.stepExpireTasks() > 0 {
		progressed = true
	}

	// 8. release queued tasks into submission pipeline
	if e.stepReleaseAndSubmit(ctx) > 0 {
		progressed = true
	}

	// 9. simulation-mode time check
	e.stepSimulationAdvance()

	// 10. expire broadcast overrides
	e.stepExpireBroadcasts()

	// 11. late-task detection
	e.stepDetectLate()

	// 12. drain message queue (batched per job id)
	batched := e.stepDrainMessages()

	// 13. re-drain command queue
	e.stepDrainCommands(ctx)

	// 14. process accumulated task events
	if e.stepProcessMessages(batched) > 0 {
		progressed = true
	}

	// 15. persist+publish deltas
	e.stepPersistAndPublish(ctx)

	// 16. DB health check
	e.stepCheckDBHealth(ctx)

	// 17. timer expiry evaluation
	e.stepEvaluateTimers()

	// 18. shutdown-eligibility check
	if stopErr := e.stepCheckShutdown(ctx); stopErr != nil {
		tickErr = stopErr
		e.recordTickDuration(time.Since(start))
		return stopErr
	}

	// 19. periodic plugin hooks
	e.stepRunPluginHooks(ctx)

	// 20. stall evaluation if no progress
	if !progressed {
		e.stepEvaluateStall()
	}

	// 21. record tick duration in a bounded ring of last 10 intervals
	e.recordTickDuration(time.Since(start))

	return nil
}

// stepAdvanceInstalls fans pending remote-install targets out to the
// job manager, bounded by its own concurrency limit (spec.md §4.1
// step 1).
func (e *Engine) stepAdvanceInstalls(ctx context.Context) {
	targets := make(map[string]taskdef.Platform)
	for _, sub := range e.pending {
		if sub.Stage == jobmanager.StageRemoteInit || sub.Stage == jobmanager.StageFileInstall {
			targets[sub.InstallTarget] = sub.Platform
		}
	}
	if len(targets) == 0 {
		return
	}
	if err := e.jobs.AdvanceInstalls(ctx, targets); err != nil {
		e.logger.Warn("remote install fan-out error", "error", err)
		e.metrics.TickErrors.WithLabelValues("remote-install").Inc()
	}
}

// stepDrainReloadSignal consumes a pending fsnotify signal, if any,
// and runs the reload (spec.md §4.1 step 2).
func (e *Engine) stepDrainReloadSignal(ctx context.Context) {
	if e.reloadWatcher == nil {
		return
	}
	select {
	case <-e.reloadWatcher.Signal():
		if err := e.reloadWorkflow(ctx); err != nil {
			e.logger.Error("reload_workflow failed", "error", err)
			e.metrics.TickErrors.WithLabelValues("reload").Inc()
		}
	default:
	}
}

// stepDrainCommands drains and dispatches every queued operator
// command in arrival order (spec.md §4.1 steps 3 and 13).
func (e *Engine) stepDrainCommands(ctx context.Context) {
	cmds := e.cmdQueue.DrainAll()
	e.metrics.CommandQueueDepth.Set(0)
	for _, cmd := range cmds {
		if _, err := e.registry.Dispatch(ctx, cmd); err != nil {
			e.logger.Warn("command failed", "command", cmd.Name, "error", err)
		}
	}
}

// stepEvaluateReadiness evaluates each waiting instance's xtriggers
// and external triggers, then lets the pool mark dependency-satisfied
// instances as queued (spec.md §4.1 step 5). Instance field writes
// here are safe under the single-threaded cooperative tick model
// (spec.md §5); only the async xtrigger Caller runs concurrently, and
// it never touches Instance state directly.
func (e *Engine) stepEvaluateReadiness(ctx context.Context) []*pool.Instance {
	consumedExtTriggers := make(map[string]bool)

	for _, snap := range e.pool.Snapshot() {
		if snap.Status != pool.StatusWaiting || snap.Runahead {
			continue
		}
		inst, ok := e.pool.Get(snap.Identity)
		if !ok {
			continue
		}
		for _, xt := range inst.Def.XTriggers {
			if inst.XTriggersSatisfied[xt.Name] {
				continue
			}
			if satisfied, _, _ := e.xtriggers.Evaluate(ctx, inst.Identity.String(), xt); satisfied {
				inst.XTriggersSatisfied[xt.Name] = true
			}
		}
		for _, et := range inst.Def.ExternalTriggers {
			if inst.ExtTriggersSatisfied[et] {
				continue
			}
			if e.exttrig.Satisfied(et) {
				inst.ExtTriggersSatisfied[et] = true
				consumedExtTriggers[et] = true
			}
		}
	}
	for name := range consumedExtTriggers {
		e.exttrig.Consume(name)
	}

	readied := e.pool.EvaluateReadiness(e.outputs.Snapshot())
	now := time.Now()
	for _, inst := range readied {
		e.queuedAt[inst.Identity.String()] = now
	}
	return readied
}

// stepHousekeepXTriggers drops cached xtrigger results no waiting
// instance references any longer (spec.md §4.1 step 6).
func (e *Engine) stepHousekeepXTriggers() {
	referencing := make(map[string][]string)
	for _, snap := range e.pool.Snapshot() {
		if snap.Status != pool.StatusWaiting {
			continue
		}
		inst, ok := e.pool.Get(snap.Identity)
		if !ok {
			continue
		}
		for _, xt := range inst.Def.XTriggers {
			sig := eventmgr.Signature(xt.Func, xt.Args)
			referencing[sig] = append(referencing[sig], inst.Identity.String())
		}
	}
	e.xtriggers.Housekeep(referencing)
}

// stepExpireTasks expires waiting instances whose definition carries a
// non-zero expiry offset once that offset has elapsed since they were
// queued (spec.md §4.1 step 7).
func (e *Engine) stepExpireTasks() (expired int) {
	now := time.Now()
	for _, snap := range e.pool.Snapshot() {
		if snap.Status != pool.StatusWaiting {
			continue
		}
		inst, ok := e.pool.Get(snap.Identity)
		if !ok || inst.Def.ExpiryOffset <= 0 {
			continue
		}
		identity := inst.Identity.String()
		queuedAt, tracked := e.queuedAt[identity]
		if !tracked || now.Before(queuedAt.Add(inst.Def.ExpiryOffset)) {
			continue
		}
		inst.SetStatus(pool.StatusExpired)
		delete(e.queuedAt, identity)
		e.late.Forget(identity)
		expired++
	}
	return expired
}

// stepReleaseAndSubmit releases queue-eligible tasks into the
// submission pipeline and advances every in-flight submission one
// step (spec.md §4.1 step 8, §4.5).
func (e *Engine) stepReleaseAndSubmit(ctx context.Context) (submitted int) {
	for _, inst := range e.pool.ReleaseQueuedTasks() {
		identity := inst.Identity.String()
		e.pending[identity] = &jobmanager.TaskSubmission{
			InstanceIdentity: identity,
			Platform:         inst.Def.Platform,
			InstallTarget:    inst.Def.Platform.InstallTarget,
			Stage:            jobmanager.StageHostSelect,
		}
	}

	for identity, sub := range e.pending {
		inst, ok := e.pool.Get(parseIdentity(identity))
		if !ok {
			delete(e.pending, identity)
			continue
		}

		subCtx, span := e.tracer.StartSubmitStage(ctx, identity, string(sub.Stage))
		e.jobs.SubmitOne(subCtx, sub)
		span.End()

		switch {
		case sub.Failed:
			e.metrics.SubmitsTotal.WithLabelValues("failed").Inc()
			e.pool.ReleaseQueueSlot(inst.Def)
			e.handleJobFailure(inst)
			delete(e.pending, identity)
		case sub.Stage == jobmanager.StageDone:
			e.metrics.SubmitsTotal.WithLabelValues("submitted").Inc()
			inst.LastJob = pool.JobMeta{
				RunnerName: sub.Platform.JobRunner,
				Platform:   sub.Platform.Name,
				RemoteHost: sub.Host,
				JobID:      sub.JobID,
				SubmitTime: sub.SubmitTime,
			}
			inst.SetStatus(pool.StatusSubmitted)
			e.jobIndex[sub.JobID] = identity
			delete(e.pending, identity)
			submitted++

			if e.mode == config.RunDummy {
				// dummy mode has no real wrapper script to report
				// progress, so synthesize the messages one would send
				// (spec.md §4.1 Non-goal "executing task bodies
				// itself"), keeping the normal message pipeline the
				// only path that applies job outcomes.
				_ = e.msgQueue.Push(queue.TaskMsg{JobID: sub.JobID, Severity: queue.SeverityInfo, Message: "started", EventTime: time.Now()})
				_ = e.msgQueue.Push(queue.TaskMsg{JobID: sub.JobID, Severity: queue.SeverityInfo, Message: "succeeded", EventTime: time.Now()})
			}
		}
	}
	return submitted
}

// handleJobFailure applies the retry/give-up decision after a failed
// submission or a failed job outcome (spec.md §4.5 "submission retry").
func (e *Engine) handleJobFailure(inst *pool.Instance) {
	if inst.SubmitCount <= inst.Def.MaxSubmitRetries {
		delay := inst.Def.RetryDelay
		if delay <= 0 {
			delay = 5 * time.Minute
		}
		name := timer.TaskTimerName("retry", inst.Identity.Point.String(), inst.Identity.Name)
		e.timers.Reset(name, delay)
		inst.SetStatus(pool.StatusWaiting)
		return
	}
	inst.SetStatus(pool.StatusFailed)
	e.outputs.Emit(inst.Identity.Name, "failed")
}

// stepSimulationAdvance fast-forwards running tasks to success when in
// simulation mode (spec.md §4.1 step 9; simplified to an instant
// success check rather than a simulated wall-clock countdown, since
// the subprocess pool that would otherwise drive this is an external
// collaborator).
func (e *Engine) stepSimulationAdvance() {
	if e.mode != config.RunSimulation {
		return
	}
	for _, snap := range e.pool.Snapshot() {
		if snap.Status != pool.StatusRunning {
			continue
		}
		inst, ok := e.pool.Get(snap.Identity)
		if !ok {
			continue
		}
		inst.SetStatus(pool.StatusSucceeded)
		e.pool.ReleaseQueueSlot(inst.Def)
		e.outputs.Emit(inst.Identity.Name, "succeeded")
	}
}

// stepExpireBroadcasts prunes broadcast overrides older than the
// pool's earliest active cycle point (spec.md §4.1 step 10).
func (e *Engine) stepExpireBroadcasts() {
	snaps := e.pool.Snapshot()
	if len(snaps) == 0 {
		return
	}
	earliest := snaps[0].Identity.Point
	for _, s := range snaps[1:] {
		if s.Identity.Point.Before(earliest) {
			earliest = s.Identity.Point
		}
	}
	if n := e.broadcasts.ExpireOlderThan(earliest); n > 0 {
		e.logger.Debug("expired broadcast overrides", "count", n)
	}
}

// stepDetectLate fires a late event at most once per instance once now
// exceeds mean-elapsed-time-plus-offset from when it was queued
// (spec.md §4.1 step 11, §4.6 "Late detection").
func (e *Engine) stepDetectLate() {
	for _, snap := range e.pool.Snapshot() {
		if snap.Status != pool.StatusWaiting && snap.Status != pool.StatusSubmitted {
			continue
		}
		inst, ok := e.pool.Get(snap.Identity)
		if !ok || inst.Def.LateOffset <= 0 {
			continue
		}
		identity := inst.Identity.String()
		referenceTime, tracked := e.queuedAt[identity]
		if !tracked {
			continue
		}
		everActive := snap.Status != pool.StatusWaiting
		mean := time.Duration(0)
		if inst.Def.Elapsed != nil {
			mean = inst.Def.Elapsed.Mean()
		}
		if e.late.Check(identity, referenceTime, mean, inst.Def.LateOffset, everActive) {
			inst.Late = true
			inst.MarkDirty()
			e.logger.Warn("task went late", "task", identity)
		}
	}
}

// stepDrainMessages drains the message queue and batches messages by
// job id (spec.md §4.1 step 12).
func (e *Engine) stepDrainMessages() map[string][]queue.TaskMsg {
	msgs := e.msgQueue.DrainAll()
	e.metrics.MessageQueueDepth.Set(0)
	batched := make(map[string][]queue.TaskMsg, len(msgs))
	for _, m := range msgs {
		batched[m.JobID] = append(batched[m.JobID], m)
	}
	return batched
}

// stepProcessMessages applies the accumulated per-job-id task status
// messages to their owning instance (spec.md §4.1 step 14).
func (e *Engine) stepProcessMessages(batched map[string][]queue.TaskMsg) (applied int) {
	for jobID, msgs := range batched {
		identity, ok := e.jobIndex[jobID]
		if !ok {
			e.logger.Warn("task message for unknown job", "job_id", jobID)
			continue
		}
		inst, ok := e.pool.Get(parseIdentity(identity))
		if !ok {
			continue
		}
		for _, m := range msgs {
			e.applyMessage(inst, m)
			applied++
		}
	}
	return applied
}

// applyMessage interprets one task status message's text, mirroring
// the small vocabulary a job's wrapper script reports.
func (e *Engine) applyMessage(inst *pool.Instance, m queue.TaskMsg) {
	text := strings.ToLower(m.Message)
	switch {
	case m.Severity == queue.SeverityCritical, strings.Contains(text, "failed"):
		e.pool.ReleaseQueueSlot(inst.Def)
		e.handleJobFailure(inst)
		delete(e.jobIndex, m.JobID)
	case strings.Contains(text, "succeeded"):
		inst.SetStatus(pool.StatusSucceeded)
		e.pool.ReleaseQueueSlot(inst.Def)
		e.outputs.Emit(inst.Identity.Name, "succeeded")
		if inst.Def.Elapsed != nil && !inst.ElapsedStart.IsZero() {
			inst.Def.Elapsed.Record(time.Since(inst.ElapsedStart))
		}
		delete(e.jobIndex, m.JobID)
	case strings.Contains(text, "started"), strings.Contains(text, "running"):
		inst.SetStatus(pool.StatusRunning)
	default:
		for _, out := range inst.Def.Outputs {
			if strings.Contains(text, out) {
				e.outputs.Emit(inst.Identity.Name, out)
			}
		}
	}
}

// stepPersistAndPublish computes the dirty-instance delta, persists it
// to the database, and enqueues it for publication (spec.md §4.1 step
// 15, §4.9).
func (e *Engine) stepPersistAndPublish(ctx context.Context) {
	dirty := e.dirtySnapshots()
	paused := e.pool.Paused()
	published := e.store.Update(dirty, &paused, false)
	if !published {
		return
	}

	if e.db != nil && len(dirty) > 0 {
		if err := e.db.PutTaskPool(ctx, e.pool.Snapshot()); err != nil {
			e.logger.Error("persist task pool failed", "error", err)
			e.metrics.TickErrors.WithLabelValues("persist").Inc()
		}
	}
	e.clearDirty(dirty)
}

// dirtySnapshots collects the snapshots of every instance whose dirty
// flag is set this tick. Reading Dirty directly (rather than through a
// mutex-guarded accessor) relies on the same single-threaded
// cooperative tick model documented on stepEvaluateReadiness.
func (e *Engine) dirtySnapshots() []pool.Snapshot {
	var out []pool.Snapshot
	for _, snap := range e.pool.Snapshot() {
		inst, ok := e.pool.Get(snap.Identity)
		if ok && inst.Dirty {
			out = append(out, snap)
		}
	}
	return out
}

// clearDirty resets the dirty flag on every instance just published.
func (e *Engine) clearDirty(published []pool.Snapshot) {
	for _, snap := range published {
		if inst, ok := e.pool.Get(snap.Identity); ok {
			inst.ClearDirty()
		}
	}
}

// stepCheckDBHealth pings the primary database, logging (not failing
// the tick) on error, and the public (secondary) database; if the
// public database is corrupted it is rebuilt from a fresh copy of the
// primary (spec.md §4.1 step 16).
func (e *Engine) stepCheckDBHealth(ctx context.Context) {
	if e.db == nil {
		return
	}
	if _, _, err := e.db.GetWorkflowParam(ctx, "__health_check__"); err != nil {
		e.logger.Error("database health check failed", "error", err)
		e.metrics.TickErrors.WithLabelValues("db-health").Inc()
	}

	if e.publicDB == nil {
		return
	}
	if err := e.publicDB.Ping(ctx); err != nil {
		e.logger.Error("public database corrupted, rebuilding from primary", "error", err)
		e.metrics.TickErrors.WithLabelValues("public-db-health").Inc()
		e.repairPublicDB(ctx)
	}
}

// repairPublicDB replaces the public database file with a fresh
// VACUUM INTO copy of the primary and reopens it, blasting away
// whatever corruption the health check just found.
func (e *Engine) repairPublicDB(ctx context.Context) {
	path := e.publicDB.Path()
	if err := e.publicDB.Close(); err != nil {
		e.logger.Warn("error closing corrupted public database", "error", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.logger.Error("failed to remove corrupted public database", "error", err)
		return
	}
	if err := e.db.SnapshotTo(ctx, path); err != nil {
		e.logger.Error("failed to rebuild public database from primary", "error", err)
		return
	}
	fresh, err := db.Open(ctx, db.Config{Path: path, WAL: true})
	if err != nil {
		e.logger.Error("failed to reopen rebuilt public database", "error", err)
		return
	}
	e.publicDB = fresh
}

// stepEvaluateTimers expires due per-task retry and workflow-level
// timers (spec.md §4.1 step 17, §4.7).
func (e *Engine) stepEvaluateTimers() {
	if e.timers.TimedOut(timer.Workflow) {
		e.logger.Warn("workflow timeout reached")
	}
	for _, snap := range e.pool.Snapshot() {
		if snap.Status != pool.StatusWaiting {
			continue
		}
		inst, ok := e.pool.Get(snap.Identity)
		if !ok {
			continue
		}
		name := timer.TaskTimerName("retry", inst.Identity.Point.String(), inst.Identity.Name)
		if e.timers.TimedOut(name) {
			inst.MarkQueued()
		}
	}
}

// stepCheckShutdown drives auto-restart eviction and evaluates whether
// a requested stop can now proceed (spec.md §4.1 step 18, §4.8).
func (e *Engine) stepCheckShutdown(ctx context.Context) error {
	counter := poolActiveCounter{pool: e.pool}

	if e.restart != nil {
		if err := e.restart.Tick(ctx, time.Now(), counter); err != nil {
			e.logger.Error("auto-restart failed", "error", err)
		}
	}

	if e.pool.AutoStopReached() {
		e.stop.Request(shutdown.AUTO)
	}

	if _, set := e.stop.Mode(); !set {
		return nil
	}
	if !e.stop.Stopping() {
		e.stop.BeginStopping()
	}
	if e.stop.CanStop(counter) {
		return e.stop.StopException("pool drained")
	}
	return nil
}

// stepRunPluginHooks invokes any registered periodic plugin hooks,
// logging rather than failing the tick on error (spec.md §4.1 step 19).
func (e *Engine) stepRunPluginHooks(ctx context.Context) {
	for _, hook := range e.pluginHooks {
		if err := hook(ctx); err != nil {
			e.logger.Warn("plugin hook failed", "error", err)
		}
	}
}

// stepEvaluateStall re-checks stall status; only called on ticks that
// made no progress (spec.md §4.1 step 20, §4.6 "Stall").
func (e *Engine) stepEvaluateStall() {
	if e.stall.Evaluate(e.pool.IsStalled(), e.cfg.StallTimeout) {
		e.metrics.StallEpisodes.Inc()
		e.logger.Error("workflow stalled")
	}
}

// recordTickDuration appends d to the bounded ring of the last
// maxTickHistory tick durations and records it as a Prometheus
// observation (spec.md §4.1 step 21).
func (e *Engine) recordTickDuration(d time.Duration) {
	e.metrics.TickDuration.Observe(d.Seconds())
	e.tickCount++
	e.tickDurations = append(e.tickDurations, d)
	if len(e.tickDurations) > maxTickHistory {
		e.tickDurations = e.tickDurations[len(e.tickDurations)-maxTickHistory:]
	}
}

// TickDurations returns a copy of the last (up to 10) recorded tick
// durations, most recent last.
func (e *Engine) TickDurations() []time.Duration {
	out := make([]time.Duration, len(e.tickDurations))
	copy(out, e.tickDurations)
	return out
}

// TickCount returns the number of ticks run so far.
func (e *Engine) TickCount() int64 { return e.tickCount }

// parseIdentity reconstructs a pool.Identity from its String() form
// ("<point>/<name>"), trying integer cycling before ISO8601.
func parseIdentity(s string) pool.Identity {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return pool.Identity{}
	}
	pointStr, name := s[:idx], s[idx+1:]
	if p, err := cyclepoint.ParseInt(pointStr); err == nil {
		return pool.Identity{Point: p, Name: name}
	}
	if p, err := cyclepoint.ParseISO(pointStr); err == nil {
		return pool.Identity{Point: p, Name: name}
	}
	return pool.Identity{}
}
