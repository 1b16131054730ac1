package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/flowmesh/schedd/internal/cyclepoint"
	"github.com/flowmesh/schedd/internal/pool"
	"github.com/flowmesh/schedd/internal/shutdown"
	schederrors "github.com/flowmesh/schedd/pkg/errors"
)

// Bindings is the narrow set of collaborators command handlers need,
// matching spec.md §9's "break cyclic references with interface
// abstractions... each manager takes a narrow callback set": handlers
// never see the whole scheduler, only what they operate on.
type Bindings struct {
	Pool       *pool.Pool
	Stop       *shutdown.Controller
	Verbosity  *slog.LevelVar
	Poll       func(instanceIdentity string) error
	Kill       func(instanceIdentity string) error
	Reload     func(ctx context.Context) error
	MarkUpdated func()
}

// Register wires every recognised command name to its handler
// (spec.md §4.3 table).
func Register(r *Registry, b *Bindings) {
	r.Register("stop", handleStop(b))
	r.Register("pause", handlePause(b))
	r.Register("resume", handleResume(b))
	r.Register("hold", handleHold(b))
	r.Register("release", handleRelease(b))
	r.Register("set_hold_point", handleSetHoldPoint(b))
	r.Register("release_hold_point", handleReleaseHoldPoint(b))
	r.Register("poll_tasks", handlePollTasks(b))
	r.Register("kill_tasks", handleKillTasks(b))
	r.Register("remove_tasks", handleRemoveTasks(b))
	r.Register("force_trigger_tasks", handleForceTriggerTasks(b))
	r.Register("force_spawn_children", handleForceSpawnChildren(b))
	r.Register("reload_workflow", handleReloadWorkflow(b))
	r.Register("set_verbosity", handleSetVerbosity(b))
}

func stringArg(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func globsArg(args []any, i int) []string {
	if i >= len(args) {
		return nil
	}
	switch v := args[i].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, g := range v {
			if s, ok := g.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func handleStop(b *Bindings) Handler {
	return func(_ context.Context, args []any, kwargs map[string]any) (int, error) {
		mode, _ := stringArg(args, 0)
		if mode == "" {
			mode = "AUTO"
		}
		if flowRaw, ok := kwargs["flow_num"]; ok {
			if n, ok := toInt64(flowRaw); ok {
				b.Pool.StopFlow(n)
				return 0, nil
			}
		}
		if task, ok := kwargs["task"].(string); ok && task != "" {
			b.Pool.SetStopTask(task)
			return 0, nil
		}
		if cpRaw, ok := kwargs["cycle_point"].(string); ok && cpRaw != "" {
			cp, err := parsePoint(cpRaw)
			if err != nil {
				return 0, err
			}
			b.Pool.SetStopPoint(cp)
			return 0, nil
		}
		b.Stop.Request(stopModeFromString(mode))
		return 0, nil
	}
}

func stopModeFromString(s string) schederrors.StopMode {
	switch s {
	case string(shutdown.AUTOOnTaskFailure):
		return shutdown.AUTOOnTaskFailure
	case string(shutdown.RequestClean):
		return shutdown.RequestClean
	case string(shutdown.RequestKill):
		return shutdown.RequestKill
	case string(shutdown.RequestNow):
		return shutdown.RequestNow
	case string(shutdown.RequestNowNow):
		return shutdown.RequestNowNow
	default:
		return shutdown.AUTO
	}
}

func handlePause(b *Bindings) Handler {
	return func(context.Context, []any, map[string]any) (int, error) {
		b.Pool.SetPaused(true)
		return 0, nil
	}
}

func handleResume(b *Bindings) Handler {
	return func(context.Context, []any, map[string]any) (int, error) {
		b.Pool.SetPaused(false)
		return 0, nil
	}
}

func handleHold(b *Bindings) Handler {
	return func(_ context.Context, args []any, _ map[string]any) (int, error) {
		b.Pool.HoldTasks(globsArg(args, 0))
		return 0, nil
	}
}

func handleRelease(b *Bindings) Handler {
	return func(_ context.Context, args []any, _ map[string]any) (int, error) {
		b.Pool.ReleaseHeldTasks(globsArg(args, 0))
		return 0, nil
	}
}

func handleSetHoldPoint(b *Bindings) Handler {
	return func(_ context.Context, args []any, _ map[string]any) (int, error) {
		raw, _ := stringArg(args, 0)
		cp, err := parsePoint(raw)
		if err != nil {
			return 0, err
		}
		b.Pool.SetHoldPoint(cp)
		return 0, nil
	}
}

func handleReleaseHoldPoint(b *Bindings) Handler {
	return func(context.Context, []any, map[string]any) (int, error) {
		b.Pool.ReleaseHoldPoint()
		return 0, nil
	}
}

func handlePollTasks(b *Bindings) Handler {
	return func(_ context.Context, args []any, _ map[string]any) (int, error) {
		globs := globsArg(args, 0)
		warnings := 0
		for _, inst := range b.Pool.ActiveMatching(globs) {
			if b.Poll != nil {
				if err := b.Poll(inst.Identity.String()); err != nil {
					warnings++
				}
			}
		}
		return warnings, nil
	}
}

func handleKillTasks(b *Bindings) Handler {
	return func(_ context.Context, args []any, _ map[string]any) (int, error) {
		globs := globsArg(args, 0)
		warnings := 0
		for _, inst := range b.Pool.ActiveMatching(globs) {
			if b.Kill != nil {
				if err := b.Kill(inst.Identity.String()); err != nil {
					warnings++
				}
			}
		}
		return warnings, nil
	}
}

func handleRemoveTasks(b *Bindings) Handler {
	return func(_ context.Context, args []any, _ map[string]any) (int, error) {
		removed := b.Pool.Remove(globsArg(args, 0))
		if removed == 0 {
			return 1, nil
		}
		return 0, nil
	}
}

func handleForceTriggerTasks(b *Bindings) Handler {
	return func(_ context.Context, args []any, kwargs map[string]any) (int, error) {
		globs := globsArg(args, 0)
		spec := parseFlowSpec(kwargs["flow"])
		wait, _ := kwargs["wait"].(bool)
		descr, _ := kwargs["descr"].(string)
		warnings := b.Pool.ForceTriggerTasks(globs, spec, wait, descr)
		return warnings, nil
	}
}

// handleForceSpawnChildren approximates "spawn downstream as if
// outputs were emitted" (spec.md §4.3) without access to the
// (externally owned, §1 Non-goal) dependency graph: it readies the
// matching instances directly via ForceTriggerTasks, the same
// mechanism force_trigger_tasks uses, rather than expanding children
// it cannot discover on its own.
func handleForceSpawnChildren(b *Bindings) Handler {
	return func(_ context.Context, args []any, kwargs map[string]any) (int, error) {
		globs := globsArg(args, 0)
		spec := parseFlowSpec(kwargs["flow_num"])
		warnings := b.Pool.ForceTriggerTasks(globs, spec, false, "force_spawn_children")
		return warnings, nil
	}
}

func handleReloadWorkflow(b *Bindings) Handler {
	return func(ctx context.Context, _ []any, _ map[string]any) (int, error) {
		if b.Reload == nil {
			return 0, nil
		}
		if err := b.Reload(ctx); err != nil {
			return 0, err
		}
		if b.MarkUpdated != nil {
			b.MarkUpdated()
		}
		return 0, nil
	}
}

func handleSetVerbosity(b *Bindings) Handler {
	return func(_ context.Context, args []any, _ map[string]any) (int, error) {
		lvl, ok := stringArg(args, 0)
		if !ok {
			return 0, fmt.Errorf("set_verbosity requires a level argument")
		}
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(lvl)); err != nil {
			return 0, err
		}
		if b.Verbosity != nil {
			b.Verbosity.Set(parsed)
		}
		return 0, nil
	}
}

func parsePoint(raw string) (cyclepoint.Point, error) {
	if p, err := cyclepoint.ParseInt(raw); err == nil {
		return p, nil
	}
	return cyclepoint.ParseISO(raw)
}

// parseFlowSpec interprets a "flow"/"flow_num" command argument: a
// bare keyword or number, or a list of either. A list mixing a
// keyword with a number, mixing distinct keywords, or carrying a
// token that is neither a recognised keyword nor an integer is
// rejected as FlowSpec{Invalid: true} rather than silently keeping
// whatever prefix happened to parse (spec.md §8 scenario 7, grounded
// in original_source/tests/integration/test_trigger.py's
// test_trigger_invalid).
func parseFlowSpec(v any) pool.FlowSpec {
	items, recognized := normalizeFlowItems(v)
	if !recognized || len(items) == 0 {
		return pool.FlowSpec{All: true}
	}

	var all, isNew, none, malformed bool
	var nums []int64
	for _, item := range items {
		switch item {
		case "ALL":
			all = true
		case "NEW":
			isNew = true
		case "NONE":
			none = true
		default:
			if n, ok := toInt64(item); ok {
				nums = append(nums, n)
			} else {
				malformed = true
			}
		}
	}

	keywords := 0
	for _, k := range []bool{all, isNew, none} {
		if k {
			keywords++
		}
	}
	if malformed || keywords > 1 || (keywords > 0 && len(nums) > 0) {
		return pool.FlowSpec{Invalid: true}
	}
	switch {
	case all:
		return pool.FlowSpec{All: true}
	case isNew:
		return pool.FlowSpec{New: true}
	case none:
		return pool.FlowSpec{None: true}
	default:
		return pool.FlowSpec{Numbers: nums}
	}
}

// normalizeFlowItems flattens a flow argument (bare scalar or list)
// into its string tokens. recognized is false for a type the command
// surface never sends (nil, bool, map), which keeps parseFlowSpec's
// permissive ALL default for an absent "flow" kwarg.
func normalizeFlowItems(v any) (items []string, recognized bool) {
	switch val := v.(type) {
	case string:
		return []string{val}, true
	case int64:
		return []string{strconv.FormatInt(val, 10)}, true
	case int:
		return []string{strconv.Itoa(val)}, true
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			switch iv := item.(type) {
			case string:
				out = append(out, iv)
			case int64:
				out = append(out, strconv.FormatInt(iv, 10))
			case int:
				out = append(out, strconv.Itoa(iv))
			default:
				out = append(out, fmt.Sprintf("%v", iv))
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		out, err := strconv.ParseInt(n, 10, 64)
		return out, err == nil
	default:
		return 0, false
	}
}
