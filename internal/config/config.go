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

// Package config holds the scheduler's startup configuration: the
// CLI/startup-flag surface (start/stop cycle point, paused start, run
// mode, ...), the backend and listener selection, and the ambient
// concerns (runahead limit, queue concurrency, timer durations,
// schedule-adjacent paths) every run needs regardless of workflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RunMode selects how submitted jobs are actually executed.
type RunMode string

const (
	RunLive       RunMode = "live"
	RunDummy      RunMode = "dummy"
	RunSimulation RunMode = "simulation"
)

func (m RunMode) valid() bool {
	switch m {
	case RunLive, RunDummy, RunSimulation:
		return true
	default:
		return false
	}
}

// Config is the scheduler's resolved configuration: defaults,
// overridden by a YAML file, overridden by environment variables,
// overridden last by CLI flags (see cmd/schedulerd).
type Config struct {
	// --- startup-flag surface (spec.md §6) ---

	// StartCyclePoint is the initial cycle point; empty selects the
	// graph's own first point.
	StartCyclePoint string `yaml:"start_cycle_point"`
	// StopCyclePoint halts new task spawning beyond this point.
	StopCyclePoint string `yaml:"stop_cycle_point"`
	// StartTasks lists task names to seed at StartCyclePoint. It is
	// loaded from the config file only; cmd/schedulerd does not read it
	// and always seeds every definition's first point.
	StartTasks []string `yaml:"start_tasks"`
	// HoldAfterCyclePoint holds every task beyond this point on start.
	HoldAfterCyclePoint string `yaml:"hold_after_cycle_point"`
	// PausedStart starts the scheduler with the task pool paused.
	PausedStart bool `yaml:"paused_start"`
	// Reftest runs in reference-test mode: compare against a recorded
	// reference log instead of generating one.
	Reftest bool `yaml:"reftest"`
	// Genref generates a reference log instead of comparing against one.
	Genref bool `yaml:"genref"`
	// ProfileMode enables per-tick resource profiling output.
	ProfileMode bool `yaml:"profile_mode"`
	// Mode selects how jobs are actually executed.
	Mode RunMode `yaml:"run_mode"`

	// --- backend / listener ---

	// Backend selects the persistence backend; "sqlite" is the only
	// one implemented.
	Backend string `yaml:"backend"`
	// Listen is the RPC listener address (host:port or a unix socket
	// path prefixed "unix:").
	Listen string `yaml:"listen"`
	// PublishListen is the publication (subscribe) listener address.
	PublishListen string `yaml:"publish_listen"`

	// --- runahead / queue concurrency ---

	// RunaheadLimit bounds how far beyond the oldest incomplete cycle
	// point instances may be promoted out of runahead. Only the count
	// form ("P3", or a bare "3") is read, as a number of sequence steps;
	// a duration such as "PT6H" does not parse as a count and falls back
	// to the default of 3.
	RunaheadLimit string `yaml:"runahead_limit"`
	// DefaultQueueLimit is validated as non-negative but is not applied
	// to the task pool: cmd/schedulerd sets limits only from
	// QueueLimits, and a queue with no entry there is unlimited.
	DefaultQueueLimit int `yaml:"default_queue_limit"`
	// QueueLimits overrides DefaultQueueLimit per named queue.
	QueueLimits map[string]int `yaml:"queue_limits"`
	// SubmitConcurrency bounds concurrent remote-install/submit fan-out
	// (wired to golang.org/x/sync/semaphore in the job manager).
	SubmitConcurrency int64 `yaml:"submit_concurrency"`

	// --- timers ---

	// TickInterval is the nominal main-loop sleep between ticks.
	TickInterval time.Duration `yaml:"tick_interval"`
	// QuickTickInterval is used while the job manager has pending
	// remote-install targets or submissions still in flight.
	QuickTickInterval time.Duration `yaml:"quick_tick_interval"`
	// StallTimeout is how long the pool may sit unchanged before a
	// stall is declared.
	StallTimeout time.Duration `yaml:"stall_timeout"`

	// --- paths ---

	// WorkflowsDir holds the workflow source (flow.cylc-equivalent
	// definition) the scheduler reloads on change.
	WorkflowsDir string `yaml:"workflows_dir"`
	// RunDir is the per-run working directory (contact file, logs).
	RunDir string `yaml:"run_dir"`
	// DataDir holds the persistent SQLite database.
	DataDir string `yaml:"data_dir"`
	// PIDFile is the configured PID file path; nothing in this
	// repository writes or removes the file.
	PIDFile string `yaml:"pid_file"`

	// --- security ---

	// RPCSecretFile points at the per-workflow signing key used by
	// internal/rpcauth.
	RPCSecretFile string `yaml:"rpc_secret_file"`

	// --- logging ---

	// LogLevel holds a level name (debug, info, warn, error, trace). It
	// is not validated, and the process logger does not read it:
	// cmd/schedulerd configures logging from the environment through
	// internal/log.FromEnv.
	LogLevel string `yaml:"log_level"`
}

// Default returns the scheduler's baseline configuration, overridden
// by any loaded file, environment, and CLI flags.
func Default() *Config {
	return &Config{
		Mode:              RunLive,
		Backend:           "sqlite",
		Listen:            "127.0.0.1:0",
		PublishListen:     "127.0.0.1:0",
		RunaheadLimit:     "P3",
		DefaultQueueLimit: 0,
		SubmitConcurrency: 8,
		TickInterval:      time.Second,
		QuickTickInterval: 500 * time.Millisecond,
		StallTimeout:      10 * time.Minute,
		WorkflowsDir:      ".",
		RunDir:            ".",
		DataDir:           filepath.Join(".", ".service"),
		PIDFile:           filepath.Join(".", ".service", "scheduler.pid"),
		LogLevel:          "info",
	}
}

// Load reads path (if non-empty) as YAML over Default, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.loadFromEnv()
	return cfg, nil
}

// loadFromEnv applies SCHEDD_* environment variable overrides, taking
// precedence over the file but not over CLI flags (applied by the
// caller after Load returns).
func (c *Config) loadFromEnv() {
	if v := os.Getenv("SCHEDD_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("SCHEDD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SCHEDD_RUN_DIR"); v != "" {
		c.RunDir = v
	}
	if v := os.Getenv("SCHEDD_WORKFLOWS_DIR"); v != "" {
		c.WorkflowsDir = v
	}
	if v := os.Getenv("SCHEDD_RUN_MODE"); v != "" {
		c.Mode = RunMode(v)
	}
	if v := os.Getenv("SCHEDD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SCHEDD_RPC_SECRET_FILE"); v != "" {
		c.RPCSecretFile = v
	}
}

// Validate collects every configuration violation into a single error
// rather than failing on the first one found.
func (c *Config) Validate() error {
	var problems []string

	if !c.Mode.valid() {
		problems = append(problems, fmt.Sprintf("run_mode: unrecognised value %q (want live, dummy, or simulation)", c.Mode))
	}
	if c.Backend != "sqlite" {
		problems = append(problems, fmt.Sprintf("backend: unsupported backend %q (only \"sqlite\" is implemented)", c.Backend))
	}
	if c.Listen == "" {
		problems = append(problems, "listen: must not be empty")
	}
	if c.RunaheadLimit == "" {
		problems = append(problems, "runahead_limit: must not be empty")
	}
	if c.DefaultQueueLimit < 0 {
		problems = append(problems, "default_queue_limit: must be >= 0")
	}
	for name, limit := range c.QueueLimits {
		if limit < 0 {
			problems = append(problems, fmt.Sprintf("queue_limits[%s]: must be >= 0", name))
		}
	}
	if c.SubmitConcurrency <= 0 {
		problems = append(problems, "submit_concurrency: must be > 0")
	}
	if c.TickInterval <= 0 {
		problems = append(problems, "tick_interval: must be > 0")
	}
	if c.QuickTickInterval <= 0 {
		problems = append(problems, "quick_tick_interval: must be > 0")
	}
	if c.DataDir == "" {
		problems = append(problems, "data_dir: must not be empty")
	}
	if c.Reftest && c.Genref {
		problems = append(problems, "reftest and genref are mutually exclusive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
