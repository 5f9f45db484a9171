// Package models defines the entities shared across the executor control
// plane: tasks, their event journals, tool calls, approvals, tool sources,
// the compiled tool registry, access policies, and credentials.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a code-execution task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting for a worker.
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusRunning indicates a worker has claimed the task.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates the task finished with an error.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusTimedOut indicates the task exceeded its timeout.
	TaskStatusTimedOut TaskStatus = "timed_out"

	// TaskStatusDenied indicates a tool call was denied and terminated the task.
	TaskStatusDenied TaskStatus = "denied"
)

// IsTerminalStatus reports whether a status admits no further transitions.
// Shared by the scheduler and the MCP wait-for-completion shim.
func IsTerminalStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimedOut, TaskStatusDenied:
		return true
	default:
		return false
	}
}

// Task is a sandboxed code-execution request scoped to a workspace and account.
type Task struct {
	// ID is the globally unique task identifier.
	ID string `json:"id"`

	// WorkspaceID is the tenant boundary the task belongs to.
	WorkspaceID string `json:"workspace_id"`

	// AccountID is the acting identity within the workspace.
	AccountID string `json:"account_id"`

	// ClientID optionally identifies the submitting client for policy matching.
	ClientID string `json:"client_id,omitempty"`

	// Code is the TypeScript/JavaScript snippet to execute.
	Code string `json:"code"`

	// RuntimeID selects the runtime that executes the code.
	RuntimeID string `json:"runtime_id"`

	// TimeoutMs bounds runtime execution. Defaults applied at creation.
	TimeoutMs int `json:"timeout_ms"`

	// Metadata holds opaque caller-provided data.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`

	// StartedAt is set when a worker claims the task.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is set on the terminal transition.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ExitCode is the runtime exit code, if the runtime reported one.
	ExitCode *int `json:"exit_code,omitempty"`

	// Error is a one-line failure reason for non-completed terminal states.
	Error string `json:"error,omitempty"`

	// Result is the JSON-encoded value returned by the code, if any.
	Result json.RawMessage `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the task reached a terminal state.
// Once terminal, no field other than the event stream is mutated.
func (t *Task) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}

// EventFamily groups journal events by origin.
type EventFamily string

const (
	// EventFamilyTask marks task lifecycle and tool-call events.
	EventFamilyTask EventFamily = "task"

	// EventFamilyApproval marks approval protocol events.
	EventFamilyApproval EventFamily = "approval"
)

// TaskEvent is one row of a task's append-only journal. Sequence numbers are
// contiguous and strictly increasing per task, starting at 1.
type TaskEvent struct {
	// TaskID references the owning task.
	TaskID string `json:"task_id"`

	// Seq is the per-task monotonically increasing sequence number.
	Seq int64 `json:"seq"`

	// Family is the event family ("task" or "approval").
	Family EventFamily `json:"family"`

	// Type is the event type, e.g. "task.running" or "tool.call.started".
	Type string `json:"type"`

	// Payload is the opaque JSON event body.
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
