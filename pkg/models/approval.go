package models

import (
	"encoding/json"
	"time"
)

// ApprovalStatus represents the state of a human approval decision.
type ApprovalStatus string

const (
	// ApprovalStatusPending indicates the approval awaits a reviewer.
	ApprovalStatusPending ApprovalStatus = "pending"

	// ApprovalStatusApproved indicates a reviewer allowed the call.
	ApprovalStatusApproved ApprovalStatus = "approved"

	// ApprovalStatusDenied indicates a reviewer rejected the call.
	ApprovalStatusDenied ApprovalStatus = "denied"
)

// Approval is a human decision record gating exactly one tool call of one
// task. Resolution is one-shot: only pending approvals may be resolved.
type Approval struct {
	// ID is the unique approval identifier.
	ID string `json:"id"`

	// TaskID references the owning task.
	TaskID string `json:"task_id"`

	// WorkspaceID is denormalized from the task for listing.
	WorkspaceID string `json:"workspace_id"`

	// CallID references the gated tool call within the task.
	CallID string `json:"call_id"`

	// ToolPath is the dotted path of the gated tool.
	ToolPath string `json:"tool_path"`

	// Input is the JSON-encoded tool input presented to the reviewer.
	Input json.RawMessage `json:"input,omitempty"`

	// Status is the current approval state.
	Status ApprovalStatus `json:"status"`

	// ReviewerID identifies who resolved the approval.
	ReviewerID string `json:"reviewer_id,omitempty"`

	// Reason is the reviewer-supplied explanation, if any.
	Reason string `json:"reason,omitempty"`

	// ResolvedAt is set when the approval leaves pending.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ToolCallStatus represents the state of a single tool invocation.
type ToolCallStatus string

const (
	// ToolCallStatusRequested indicates the call row exists but has not run.
	ToolCallStatusRequested ToolCallStatus = "requested"

	// ToolCallStatusPendingApproval indicates the call is suspended on an approval.
	ToolCallStatusPendingApproval ToolCallStatus = "pending_approval"

	// ToolCallStatusCompleted indicates the tool body ran successfully.
	ToolCallStatusCompleted ToolCallStatus = "completed"

	// ToolCallStatusFailed indicates the tool body raised an error.
	ToolCallStatusFailed ToolCallStatus = "failed"

	// ToolCallStatusDenied indicates policy or a reviewer rejected the call.
	ToolCallStatusDenied ToolCallStatus = "denied"
)

// ToolCall records one tool invocation, keyed by (TaskID, CallID). A call in
// a terminal status is never re-executed; replay returns the persisted row.
type ToolCall struct {
	// TaskID references the owning task.
	TaskID string `json:"task_id"`

	// CallID is the caller-assigned identifier, unique within the task.
	CallID string `json:"call_id"`

	// ToolPath is the requested dotted tool path.
	ToolPath string `json:"tool_path"`

	// Input is the JSON-encoded tool input.
	Input json.RawMessage `json:"input,omitempty"`

	// Status is the current call state.
	Status ToolCallStatus `json:"status"`

	// ApprovalID links the call to its approval, when one was required.
	ApprovalID string `json:"approval_id,omitempty"`

	// Output is the JSON-encoded tool result for completed calls.
	Output json.RawMessage `json:"output,omitempty"`

	// Error is a one-line reason for failed or denied calls.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the call admits no further transitions.
func (c *ToolCall) IsTerminal() bool {
	switch c.Status {
	case ToolCallStatusCompleted, ToolCallStatusFailed, ToolCallStatusDenied:
		return true
	default:
		return false
	}
}
