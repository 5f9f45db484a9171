// Package storage defines the typed repository over the persistent store and
// provides in-memory and Postgres implementations.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/execplane/execplane/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrRegistryNotReady is returned for reads against a buildId whose
	// state is not ready. Callers should trigger a rebuild.
	ErrRegistryNotReady = errors.New("registry not ready")
)

// ListApprovalsCap bounds ListApprovals result sets, matching the observed
// behavior of the reference system.
const ListApprovalsCap = 500

// ListTasksOptions configures task listing.
type ListTasksOptions struct {
	// Status filters by task status.
	Status *models.TaskStatus

	// Limit is the maximum number of tasks to return.
	Limit int

	// Offset for pagination.
	Offset int
}

// TaskStore persists tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, workspaceID string, opts ListTasksOptions) ([]*models.Task, error)

	// ListQueuedTaskIDs returns ids of queued tasks in insertion order.
	ListQueuedTaskIDs(ctx context.Context, limit int) ([]string, error)

	// MarkTaskRunning atomically flips queued -> running and sets
	// startedAt, only if the task is currently queued. A non-nil result
	// means the caller owns the task; nil means another worker claimed it
	// or the task is no longer queued.
	MarkTaskRunning(ctx context.Context, id string) (*models.Task, error)

	// CompleteTask applies a terminal transition. A task already terminal
	// is left untouched and returned as-is.
	CompleteTask(ctx context.Context, id string, status models.TaskStatus, result json.RawMessage, exitCode *int, errMsg string) (*models.Task, error)
}

// EventStore persists the per-task append-only journal. AppendEvent assigns
// the next contiguous sequence number atomically.
type EventStore interface {
	AppendEvent(ctx context.Context, taskID string, family models.EventFamily, eventType string, payload json.RawMessage) (*models.TaskEvent, error)
	ListEvents(ctx context.Context, taskID string, afterSeq int64) ([]*models.TaskEvent, error)
}

// ToolCallStore persists tool-call rows keyed by (taskID, callID).
type ToolCallStore interface {
	// UpsertToolCallRequested is idempotent on (taskID, callID): it returns
	// the existing row when present, with created=false.
	UpsertToolCallRequested(ctx context.Context, taskID, callID, toolPath string, input json.RawMessage) (call *models.ToolCall, created bool, err error)

	GetToolCall(ctx context.Context, taskID, callID string) (*models.ToolCall, error)

	// LinkToolCallApproval sets the call's approvalId and moves it to
	// pending_approval.
	LinkToolCallApproval(ctx context.Context, taskID, callID, approvalID string) error

	// CompleteToolCall applies a terminal call status with output or error.
	CompleteToolCall(ctx context.Context, taskID, callID string, status models.ToolCallStatus, output json.RawMessage, errMsg string) error
}

// ApprovalStore persists approvals.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, approval *models.Approval) error
	GetApproval(ctx context.Context, id string) (*models.Approval, error)

	// ListApprovals returns at most ListApprovalsCap rows, newest first.
	ListApprovals(ctx context.Context, workspaceID string, status *models.ApprovalStatus) ([]*models.Approval, error)

	// ResolveApproval transitions pending -> approved|denied. Resolving a
	// non-pending approval returns (nil, nil) and has no side effect.
	ResolveApproval(ctx context.Context, id string, status models.ApprovalStatus, reviewerID, reason string) (*models.Approval, error)

	// CountPendingApprovals counts pending approvals for a task.
	CountPendingApprovals(ctx context.Context, taskID string) (int, error)
}

// PolicyStore persists access policies. Policies are read at decision time;
// callers must not cache compiled forms across mutations.
type PolicyStore interface {
	UpsertPolicy(ctx context.Context, policy *models.AccessPolicy) error
	ListPolicies(ctx context.Context, workspaceID string) ([]*models.AccessPolicy, error)
}

// CredentialStore persists credential records.
type CredentialStore interface {
	UpsertCredential(ctx context.Context, record *models.CredentialRecord) error
	ListCredentials(ctx context.Context, workspaceID string) ([]*models.CredentialRecord, error)

	// FindCredential returns the best scope-matching record for a source
	// key: account scope first, then workspace scope. ErrNotFound if none.
	FindCredential(ctx context.Context, workspaceID, accountID, sourceKey string) (*models.CredentialRecord, error)
}

// SourceStore persists tool sources.
type SourceStore interface {
	UpsertSource(ctx context.Context, source *models.ToolSource) error
	GetSource(ctx context.Context, id string) (*models.ToolSource, error)
	DeleteSource(ctx context.Context, id string) error
	ListSources(ctx context.Context, workspaceID string, enabledOnly bool) ([]*models.ToolSource, error)
}

// RegistryStore persists registry state, entries, and namespace summaries.
type RegistryStore interface {
	// GetRegistryState returns the workspace state or ErrNotFound.
	GetRegistryState(ctx context.Context, workspaceID string) (*models.RegistryState, error)

	// ClaimBuild records buildID as the in-flight build for the workspace.
	// The claim fails (false, nil) when another build is in flight and was
	// claimed less than staleAfter ago; older claims are superseded.
	ClaimBuild(ctx context.Context, workspaceID, buildID string, staleAfter time.Duration) (bool, error)

	// CommitBuild atomically promotes state.BuildingBuildID to ready and
	// stores counts, warnings, and the new signature. Incomplete builds are
	// invisible to readers until this commits.
	CommitBuild(ctx context.Context, state *models.RegistryState) error

	// FailBuild clears the in-flight claim, keeping any prior ready build.
	FailBuild(ctx context.Context, workspaceID, buildID string) error

	PutEntries(ctx context.Context, entries []*models.RegistryEntry) error
	PutNamespaces(ctx context.Context, summaries []*models.NamespaceSummary) error

	ListEntries(ctx context.Context, workspaceID, buildID string) ([]*models.RegistryEntry, error)
	GetEntry(ctx context.Context, workspaceID, buildID, path string) (*models.RegistryEntry, error)
	ListNamespaces(ctx context.Context, workspaceID, buildID string) ([]*models.NamespaceSummary, error)

	// PruneBuilds deletes entries and summaries of builds not in keep.
	PruneBuilds(ctx context.Context, workspaceID string, keep []string) error
}

// SessionStore resolves anonymous sessions to workspace/account id pairs.
type SessionStore interface {
	// BootstrapSession returns the ids bound to sessionID, creating them on
	// first use. Idempotent on sessionID; an empty sessionID mints a fresh
	// pair every call.
	BootstrapSession(ctx context.Context, sessionID string) (workspaceID, accountID string, err error)
}

// QueueWatcher pushes a notification whenever the queued-task result set may
// have changed. Implementations that cannot push return a nil channel; the
// scheduler then relies on its poll interval.
type QueueWatcher interface {
	WatchQueue(ctx context.Context) (<-chan struct{}, func())
}

// Repository groups the store interfaces behind one handle.
type Repository struct {
	Tasks       TaskStore
	Events      EventStore
	ToolCalls   ToolCallStore
	Approvals   ApprovalStore
	Policies    PolicyStore
	Credentials CredentialStore
	Sources     SourceStore
	Registry    RegistryStore
	Sessions    SessionStore
	Queue       QueueWatcher

	closer func() error
}

// Close releases any underlying resources.
func (r *Repository) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	return r.closer()
}
