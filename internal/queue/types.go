package queue

import "time"

// Command is a single operator mutation enqueued by the RPC layer and
// drained serially by the main loop (spec.md §4.3).
type Command struct {
	Name string
	Args []any
	KwArgs map[string]any
}

// Severity is the level carried on a task status message.
type Severity string

// Recognised message severities.
const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// TaskMsg is the tagged message variant replacing dynamic typing of
// task status messages (spec.md §9 redesign flag).
type TaskMsg struct {
	JobID     string
	Severity  Severity
	Message   string
	EventTime time.Time
}

// ExtTrigger is an external event arriving on the external-trigger
// queue, matched by name to tasks declaring the trigger (spec.md §4.6).
type ExtTrigger struct {
	Name    string
	ID      string
	Payload map[string]any
}

// CommandQueue carries operator commands.
type CommandQueue = FIFO[Command]

// MessageQueue carries task status messages.
type MessageQueue = FIFO[TaskMsg]

// ExtTriggerQueue carries external-trigger events.
type ExtTriggerQueue = FIFO[ExtTrigger]

// NewCommandQueue creates an empty command queue.
func NewCommandQueue() *CommandQueue { return New[Command]() }

// NewMessageQueue creates an empty message queue.
func NewMessageQueue() *MessageQueue { return New[TaskMsg]() }

// NewExtTriggerQueue creates an empty external-trigger queue.
func NewExtTriggerQueue() *ExtTriggerQueue { return New[ExtTrigger]() }
