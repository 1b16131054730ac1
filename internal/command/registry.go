// Package command implements the explicit command registry that
// replaces reflective method dispatch (spec.md §9 redesign flag):
// a mapping from command name to handler function.
package command

import (
	"context"

	schederrors "github.com/flowmesh/schedd/pkg/errors"

	"github.com/flowmesh/schedd/internal/queue"
)

// Handler executes one command, returning the number of warnings
// logged (e.g. globs that matched nothing) or an error if the command
// could not be applied at all.
type Handler func(ctx context.Context, args []any, kwargs map[string]any) (warnings int, err error)

// Registry maps command names to handlers (spec.md §4.3).
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds (or replaces) the handler for a command name.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Dispatch looks up and runs the handler for cmd. Unknown names fail
// cleanly with CommandFailed, per spec.md §4.3 "unknown names ->
// CommandFailed"; a failing command is logged against itself only and
// does not propagate (spec.md §4.3, §7).
func (r *Registry) Dispatch(ctx context.Context, cmd queue.Command) (warnings int, err error) {
	h, ok := r.handlers[cmd.Name]
	if !ok {
		return 0, &schederrors.CommandFailed{Command: cmd.Name, Reason: "unrecognised command"}
	}
	warnings, err = h(ctx, cmd.Args, cmd.KwArgs)
	if err != nil {
		return warnings, &schederrors.CommandFailed{Command: cmd.Name, Reason: err.Error(), Cause: err}
	}
	return warnings, nil
}

// Names returns every registered command name, primarily for tests and
// diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}
