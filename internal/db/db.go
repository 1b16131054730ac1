// Package db persists the scheduler's restart-recovery state: workflow
// parameters, the task pool, job run metadata, action timers,
// xtrigger results, absolute outputs, broadcast states, and late
// flags (spec.md §6 "Persisted state").
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowmesh/schedd/internal/pool"
)

// Store is a SQLite-backed persistence layer for restart recovery.
type Store struct {
	db   *sql.DB
	path string
}

// Config selects how the store opens its database file.
type Config struct {
	// Path is the database file path.
	Path string
	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool
}

// Open creates (or reopens) a store at cfg.Path, configuring pragmas
// and running migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // SQLite serialises writes

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	s := &Store{db: sqlDB, path: cfg.Path}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("db: pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_params (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_template_vars (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS task_pool (
			cycle_point TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			flows TEXT NOT NULL,
			submit_count INTEGER NOT NULL DEFAULT 0,
			held INTEGER NOT NULL DEFAULT 0,
			queued INTEGER NOT NULL DEFAULT 0,
			runahead INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (cycle_point, name)
		)`,
		`CREATE TABLE IF NOT EXISTS task_jobs (
			cycle_point TEXT NOT NULL,
			name TEXT NOT NULL,
			submit_count INTEGER NOT NULL,
			job_id TEXT,
			platform TEXT,
			runner_name TEXT,
			remote_host TEXT,
			submit_time TEXT,
			PRIMARY KEY (cycle_point, name, submit_count)
		)`,
		`CREATE TABLE IF NOT EXISTS task_action_timers (
			cycle_point TEXT NOT NULL,
			name TEXT NOT NULL,
			timer_name TEXT NOT NULL,
			deadline TEXT NOT NULL,
			PRIMARY KEY (cycle_point, name, timer_name)
		)`,
		`CREATE TABLE IF NOT EXISTS xtriggers (
			signature TEXT PRIMARY KEY,
			satisfied INTEGER NOT NULL,
			result TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS abs_outputs (
			cycle_point TEXT NOT NULL,
			name TEXT NOT NULL,
			output TEXT NOT NULL,
			PRIMARY KEY (cycle_point, name, output)
		)`,
		`CREATE TABLE IF NOT EXISTS broadcast_states (
			cycle_point TEXT NOT NULL,
			namespace TEXT NOT NULL,
			setting TEXT NOT NULL,
			value TEXT,
			PRIMARY KEY (cycle_point, namespace, setting)
		)`,
		`CREATE TABLE IF NOT EXISTS task_late_flags (
			cycle_point TEXT NOT NULL,
			name TEXT NOT NULL,
			late INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (cycle_point, name)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("db: migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path this store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Ping confirms the store's database handle is still usable, for the
// main loop's periodic health check (spec.md §4.1 step 16).
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// SnapshotTo writes a consistent copy of this store's database to
// path, via SQLite's own VACUUM INTO so the copy is point-in-time
// correct even with WAL writers active. Used to rebuild the public
// (secondary) database from the primary when the public copy is found
// corrupted (spec.md §4.1 step 16, "if the public database is
// corrupted, replace it with a copy of the primary").
func (s *Store) SnapshotTo(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("db: snapshot to %s: %w", path, err)
	}
	return nil
}

// PutWorkflowParam upserts one workflow_params key/value pair (spec.md
// §6: initial/final/stop cycle points, stop task, uuid, paused flag,
// UTC mode, cycle-point timezone, run mode, hold point, stop clock
// time all live under this table as individual keys).
func (s *Store) PutWorkflowParam(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_params (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("db: put workflow param %s: %w", key, err)
	}
	return nil
}

// GetWorkflowParam reads one workflow_params value; ok is false if the
// key has never been set.
func (s *Store) GetWorkflowParam(ctx context.Context, key string) (value string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM workflow_params WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("db: get workflow param %s: %w", key, err)
	}
	return value, true, nil
}

// PutTemplateVar upserts one workflow_template_vars key/value pair.
func (s *Store) PutTemplateVar(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_template_vars (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("db: put template var %s: %w", key, err)
	}
	return nil
}

// PutTaskPool replaces the full task_pool table contents with rows,
// matching the "put_task_pool" per-tick flush (spec.md §4.1 step 12).
func (s *Store) PutTaskPool(ctx context.Context, rows []pool.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db: put task pool: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_pool`); err != nil {
		return fmt.Errorf("db: put task pool: clear: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_pool (cycle_point, name, status, flows, submit_count, held, queued, runahead)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("db: put task pool: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		flowsJSON, err := json.Marshal(r.Flows)
		if err != nil {
			return fmt.Errorf("db: put task pool: marshal flows: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.Identity.Point.String(), r.Identity.Name, string(r.Status), string(flowsJSON),
			r.SubmitCount, boolInt(r.Held), boolInt(r.Queued), boolInt(r.Runahead),
		); err != nil {
			return fmt.Errorf("db: put task pool: insert %s/%s: %w", r.Identity.Point.String(), r.Identity.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db: put task pool: commit: %w", err)
	}
	return nil
}

// TaskPoolRow is one restored row, matching pool.RestoredInstance
// minus the definition lookup the pool package performs itself.
type TaskPoolRow struct {
	CyclePoint  string
	Name        string
	Status      string
	Flows       []int64
	SubmitCount int
	Held        bool
	Queued      bool
	Runahead    bool
}

// LoadTaskPool reads every task_pool row, for load_db_task_pool_for_restart.
func (s *Store) LoadTaskPool(ctx context.Context) ([]TaskPoolRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_point, name, status, flows, submit_count, held, queued, runahead FROM task_pool
	`)
	if err != nil {
		return nil, fmt.Errorf("db: load task pool: %w", err)
	}
	defer rows.Close()

	var out []TaskPoolRow
	for rows.Next() {
		var r TaskPoolRow
		var flowsJSON string
		var held, queued, runahead int
		if err := rows.Scan(&r.CyclePoint, &r.Name, &r.Status, &flowsJSON, &r.SubmitCount, &held, &queued, &runahead); err != nil {
			return nil, fmt.Errorf("db: load task pool: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(flowsJSON), &r.Flows); err != nil {
			return nil, fmt.Errorf("db: load task pool: unmarshal flows: %w", err)
		}
		r.Held, r.Queued, r.Runahead = held == 1, queued == 1, runahead == 1
		out = append(out, r)
	}
	return out, nil
}

// PutTaskJob records one job's run metadata (spec.md §8 invariant:
// exactly one task_jobs record per submit count for submitted/running
// tasks).
func (s *Store) PutTaskJob(ctx context.Context, cyclePoint, name string, submitCount int, jobID, platform, runnerName, remoteHost string, submitTime time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_jobs (cycle_point, name, submit_count, job_id, platform, runner_name, remote_host, submit_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cycle_point, name, submit_count) DO UPDATE SET
			job_id = excluded.job_id, platform = excluded.platform,
			runner_name = excluded.runner_name, remote_host = excluded.remote_host,
			submit_time = excluded.submit_time
	`, cyclePoint, name, submitCount, jobID, platform, runnerName, remoteHost, submitTime.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("db: put task job %s/%s#%d: %w", cyclePoint, name, submitCount, err)
	}
	return nil
}

// PutActionTimer persists a named action timer's next deadline
// (inactivity/workflow/stall/task retry timers, spec.md §4.6).
func (s *Store) PutActionTimer(ctx context.Context, cyclePoint, name, timerName string, deadline time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_action_timers (cycle_point, name, timer_name, deadline)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cycle_point, name, timer_name) DO UPDATE SET deadline = excluded.deadline
	`, cyclePoint, name, timerName, deadline.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("db: put action timer %s/%s/%s: %w", cyclePoint, name, timerName, err)
	}
	return nil
}

// PutXTriggerResult caches one xtrigger signature's outcome, shared
// across every instance whose call hashes to the same signature
// (spec.md §4.6 "results are keyed by a signature hash").
func (s *Store) PutXTriggerResult(ctx context.Context, signature string, satisfied bool, result string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO xtriggers (signature, satisfied, result) VALUES (?, ?, ?)
		ON CONFLICT (signature) DO UPDATE SET satisfied = excluded.satisfied, result = excluded.result
	`, signature, boolInt(satisfied), result)
	if err != nil {
		return fmt.Errorf("db: put xtrigger %s: %w", signature, err)
	}
	return nil
}

// PutAbsOutput records a task's absolute (non-cycling) output as
// emitted, so future cycle points can find it already satisfied.
func (s *Store) PutAbsOutput(ctx context.Context, cyclePoint, name, output string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO abs_outputs (cycle_point, name, output) VALUES (?, ?, ?)
	`, cyclePoint, name, output)
	if err != nil {
		return fmt.Errorf("db: put abs output %s/%s/%s: %w", cyclePoint, name, output, err)
	}
	return nil
}

// PutBroadcastSetting upserts a broadcast override (a runtime
// namespace/setting change applied to a cycle point range).
func (s *Store) PutBroadcastSetting(ctx context.Context, cyclePoint, namespace, setting, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_states (cycle_point, namespace, setting, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cycle_point, namespace, setting) DO UPDATE SET value = excluded.value
	`, cyclePoint, namespace, setting, value)
	if err != nil {
		return fmt.Errorf("db: put broadcast %s/%s/%s: %w", cyclePoint, namespace, setting, err)
	}
	return nil
}

// PutLateFlag records whether a task instance has already been
// flagged late, so the late detector fires at most once per episode
// across restarts (spec.md §8 "stall events emitted at most once").
func (s *Store) PutLateFlag(ctx context.Context, cyclePoint, name string, late bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_late_flags (cycle_point, name, late) VALUES (?, ?, ?)
		ON CONFLICT (cycle_point, name) DO UPDATE SET late = excluded.late
	`, cyclePoint, name, boolInt(late))
	if err != nil {
		return fmt.Errorf("db: put late flag %s/%s: %w", cyclePoint, name, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
