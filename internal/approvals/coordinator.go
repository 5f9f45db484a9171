// Package approvals manages the human review lifecycle for gated tool calls.
package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/execplane/execplane/internal/storage"
	"github.com/execplane/execplane/pkg/models"
)

// ErrWaitTimeout is returned when an approval is not resolved within the
// caller's window.
var ErrWaitTimeout = fmt.Errorf("approval wait timed out")

// DefaultPollInterval paces the polling waiter.
const DefaultPollInterval = 750 * time.Millisecond

// Coordinator creates, resolves, and waits on approvals.
type Coordinator struct {
	repo    *storage.Repository
	journal *storage.Journal
	logger  *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(repo *storage.Repository, journal *storage.Journal, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default().With("component", "approvals")
	}
	return &Coordinator{repo: repo, journal: journal, logger: logger}
}

// Create opens a pending approval for a tool call, links it to the call row,
// and publishes approval.requested.
func (c *Coordinator) Create(ctx context.Context, task *models.Task, callID, toolPath string, input json.RawMessage) (*models.Approval, error) {
	approval := &models.Approval{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		CallID:      callID,
		ToolPath:    toolPath,
		Input:       input,
		Status:      models.ApprovalStatusPending,
		CreatedAt:   time.Now(),
	}
	if err := c.repo.Approvals.CreateApproval(ctx, approval); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	if err := c.repo.ToolCalls.LinkToolCallApproval(ctx, task.ID, callID, approval.ID); err != nil {
		return nil, fmt.Errorf("link approval: %w", err)
	}
	c.journal.Emit(ctx, task.ID, "approval.requested", storage.Payload(
		"approvalId", approval.ID,
		"callId", callID,
		"toolPath", toolPath,
	))
	return approval, nil
}

// Resolve transitions a pending approval. Workspace ownership is enforced by
// joining through the task; a workspace mismatch reads as not found. A
// non-pending approval returns (nil, nil) untouched. approval.resolved is a
// mandatory side effect of a successful resolution.
func (c *Coordinator) Resolve(ctx context.Context, workspaceID, approvalID string, decision models.ApprovalStatus, reviewerID, reason string) (*models.Approval, error) {
	if decision != models.ApprovalStatusApproved && decision != models.ApprovalStatusDenied {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	approval, err := c.repo.Approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	task, err := c.repo.Tasks.GetTask(ctx, approval.TaskID)
	if err != nil {
		return nil, err
	}
	if task.WorkspaceID != workspaceID {
		return nil, storage.ErrNotFound
	}

	resolved, err := c.repo.Approvals.ResolveApproval(ctx, approvalID, decision, reviewerID, reason)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	c.journal.Emit(ctx, task.ID, "approval.resolved", storage.Payload(
		"approvalId", approvalID,
		"decision", string(decision),
		"reviewerId", reviewerID,
		"reason", reason,
	))
	c.logger.Info("approval resolved", "approval_id", approvalID, "decision", decision, "task_id", task.ID)
	return resolved, nil
}

// WaitPolling blocks until the approval leaves pending, polling the store.
// Used where the store cannot push. A denied resolution is returned as a
// normal value; the caller decides how to signal it.
func (c *Coordinator) WaitPolling(ctx context.Context, approvalID string, timeout time.Duration) (*models.Approval, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()
	for {
		approval, err := c.repo.Approvals.GetApproval(ctx, approvalID)
		if err != nil {
			return nil, err
		}
		if approval.Status != models.ApprovalStatusPending {
			return approval, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitSubscription blocks on the task's event stream until the approval is
// resolved or the task reaches a terminal state.
func (c *Coordinator) WaitSubscription(ctx context.Context, taskID, approvalID string) (*models.Approval, error) {
	events, cancel := c.journal.Hub().Subscribe(taskID)
	defer cancel()

	// The resolution may have landed before the subscription.
	approval, err := c.repo.Approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != models.ApprovalStatusPending {
		return approval, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("event stream closed while waiting for approval %s", approvalID)
			}
			if ev.Family == models.EventFamilyApproval {
				pending, err := c.repo.Approvals.CountPendingApprovals(ctx, taskID)
				if err != nil {
					return nil, err
				}
				if pending == 0 {
					return c.repo.Approvals.GetApproval(ctx, approvalID)
				}
				approval, err := c.repo.Approvals.GetApproval(ctx, approvalID)
				if err != nil {
					return nil, err
				}
				if approval.Status != models.ApprovalStatusPending {
					return approval, nil
				}
			}
			if models.IsTerminalStatus(terminalStatusOf(ev)) {
				return nil, fmt.Errorf("task %s reached a terminal state while approval %s was pending", taskID, approvalID)
			}
		}
	}
}

// terminalStatusOf extracts a status payload field from lifecycle events.
func terminalStatusOf(ev models.TaskEvent) models.TaskStatus {
	if ev.Family != models.EventFamilyTask || len(ev.Payload) == 0 {
		return ""
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return ""
	}
	return models.TaskStatus(payload.Status)
}
