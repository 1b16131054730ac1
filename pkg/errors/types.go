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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "tool", "connector")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ProviderError represents job execution platform failures.
// Use this for errors originating from a task's execution platform
// (e.g. a remote job runner rejecting a submission).
type ProviderError struct {
	// Provider is the name of the platform (e.g., "slurm", "ssh", "local")
	Provider string

	// Code is the provider-specific error code
	Code int

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Suggestion provides actionable guidance for resolution
	Suggestion string

	// RequestID correlates this error with provider logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)

	if e.Code > 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}

	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}

	msg = fmt.Sprintf("%s: %s", msg, e.Message)

	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "api_key", "database.host")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "LLM request", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// CommandFailed represents a command-queue entry that failed to apply.
// It is non-fatal: it is logged against the failing command only and the
// workflow keeps running.
type CommandFailed struct {
	// Command is the command name (e.g., "hold_tasks", "force_trigger_tasks")
	Command string

	// Reason is the human-readable failure description
	Reason string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *CommandFailed) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Command, e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CommandFailed) Unwrap() error {
	return e.Cause
}

// CyclingError represents an invalid cycle point or cycling sequence.
// Use this for malformed cycle point strings or sequences that cannot
// be parsed against the calendar in use.
type CyclingError struct {
	// Point is the offending cycle point or sequence expression
	Point string

	// Reason explains what is wrong with it
	Reason string
}

// Error implements the error interface.
func (e *CyclingError) Error() string {
	return fmt.Sprintf("invalid cycle point %q: %s", e.Point, e.Reason)
}

// InputError represents an invalid command argument surfaced to the
// caller that issued it (as opposed to a validation error in workflow
// definition input).
type InputError struct {
	// Argument is the name of the offending argument
	Argument string

	// Reason explains what is wrong with it
	Reason string
}

// Error implements the error interface.
func (e *InputError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Argument, e.Reason)
}

// StopMode identifies which of the ordered shutdown urgencies triggered
// a SchedulerStop.
type StopMode string

// SchedulerStop is a sentinel error signalling a normal, requested
// shutdown. It carries the stop mode so the caller can choose the exit
// path (clean drain vs. immediate).
type SchedulerStop struct {
	// Mode is the requested stop mode
	Mode StopMode

	// Reason is a short human-readable explanation (e.g., "final task finished")
	Reason string
}

// Error implements the error interface.
func (e *SchedulerStop) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("scheduler stopping (%s): %s", e.Mode, e.Reason)
	}
	return fmt.Sprintf("scheduler stopping (%s)", e.Mode)
}

// SchedulerError represents an expected, handled error that still forces
// the scheduler to shut down (as opposed to CommandFailed, which leaves
// the workflow running). It is logged at error level, not as a crash.
type SchedulerError struct {
	// Reason is the human-readable description of what went wrong
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *SchedulerError) Error() string {
	return fmt.Sprintf("scheduler error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SchedulerError) Unwrap() error {
	return e.Cause
}

// HostSelectError represents a failure to resolve a usable host during
// auto-restart. It is retried with backoff rather than treated as fatal.
type HostSelectError struct {
	// Candidates lists the hosts that were tried
	Candidates []string

	// Reason explains why none could be selected
	Reason string
}

// Error implements the error interface.
func (e *HostSelectError) Error() string {
	return fmt.Sprintf("no usable host among %v: %s", e.Candidates, e.Reason)
}

// Unexpected wraps any error that does not fall into one of the other
// categories above. It is logged with a traceback-style stack note and a
// critical banner, and is re-raised through the shutdown path to force a
// non-zero process exit.
type Unexpected struct {
	// Cause is the original error
	Cause error

	// Stack is a captured stack trace or goroutine dump, if available
	Stack string
}

// Error implements the error interface.
func (e *Unexpected) Error() string {
	return fmt.Sprintf("unexpected error: %v", e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Unexpected) Unwrap() error {
	return e.Cause
}
