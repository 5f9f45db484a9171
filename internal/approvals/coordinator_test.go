package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/execplane/execplane/internal/events"
	"github.com/execplane/execplane/internal/storage"
	"github.com/execplane/execplane/pkg/models"
)

func newCoordinator(t *testing.T) (*Coordinator, *storage.Repository, *models.Task) {
	t.Helper()
	repo, _ := storage.NewMemoryRepository()
	journal := storage.NewJournal(repo.Events, events.NewHub(nil), nil)
	coord := NewCoordinator(repo, journal, nil)

	task := &models.Task{
		ID:          "task-1",
		WorkspaceID: "ws1",
		Code:        "await tools.admin.send()",
		Status:      models.TaskStatusRunning,
		CreatedAt:   time.Now(),
	}
	if err := repo.Tasks.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, _, err := repo.ToolCalls.UpsertToolCallRequested(context.Background(), task.ID, "c1", "admin.send", nil); err != nil {
		t.Fatalf("seed call: %v", err)
	}
	return coord, repo, task
}

func eventTypes(t *testing.T, repo *storage.Repository, taskID string) []string {
	t.Helper()
	evs, err := repo.Events.ListEvents(context.Background(), taskID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func TestCreateLinksCallAndEmitsRequested(t *testing.T) {
	ctx := context.Background()
	coord, repo, task := newCoordinator(t)

	approval, err := coord.Create(ctx, task, "c1", "admin.send", json.RawMessage(`{"to":"all"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if approval.Status != models.ApprovalStatusPending {
		t.Fatalf("status = %s", approval.Status)
	}

	call, err := repo.ToolCalls.GetToolCall(ctx, task.ID, "c1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if call.ApprovalID != approval.ID {
		t.Fatalf("call not linked: %q", call.ApprovalID)
	}

	types := eventTypes(t, repo, task.ID)
	if len(types) != 1 || types[0] != "approval.requested" {
		t.Fatalf("events = %v", types)
	}
}

func TestResolveIsOneShot(t *testing.T) {
	ctx := context.Background()
	coord, repo, task := newCoordinator(t)
	approval, err := coord.Create(ctx, task, "c1", "admin.send", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resolved, err := coord.Resolve(ctx, "ws1", approval.ID, models.ApprovalStatusApproved, "rev-1", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved == nil || resolved.Status != models.ApprovalStatusApproved || resolved.ReviewerID != "rev-1" {
		t.Fatalf("resolved = %+v", resolved)
	}
	if resolved.ResolvedAt == nil {
		t.Fatal("resolvedAt not set")
	}

	again, err := coord.Resolve(ctx, "ws1", approval.ID, models.ApprovalStatusDenied, "rev-2", "changed my mind")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again != nil {
		t.Fatalf("second resolution not nil: %+v", again)
	}

	// The journal carries exactly one resolution.
	count := 0
	for _, typ := range eventTypes(t, repo, task.ID) {
		if typ == "approval.resolved" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("approval.resolved count = %d", count)
	}
}

func TestResolveEnforcesWorkspace(t *testing.T) {
	ctx := context.Background()
	coord, _, task := newCoordinator(t)
	approval, err := coord.Create(ctx, task, "c1", "admin.send", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = coord.Resolve(ctx, "ws-other", approval.ID, models.ApprovalStatusApproved, "", "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}

	if _, err := coord.Resolve(ctx, "ws1", approval.ID, "maybe", "", ""); err == nil {
		t.Fatal("invalid decision accepted")
	}
}

func TestWaitPollingReturnsResolution(t *testing.T) {
	ctx := context.Background()
	coord, _, task := newCoordinator(t)
	approval, err := coord.Create(ctx, task, "c1", "admin.send", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		coord.Resolve(ctx, "ws1", approval.ID, models.ApprovalStatusDenied, "rev-1", "too risky")
	}()

	got, err := coord.WaitPolling(ctx, approval.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != models.ApprovalStatusDenied || got.Reason != "too risky" {
		t.Fatalf("approval = %+v", got)
	}
}

func TestWaitPollingTimesOut(t *testing.T) {
	ctx := context.Background()
	coord, _, task := newCoordinator(t)
	approval, err := coord.Create(ctx, task, "c1", "admin.send", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = coord.WaitPolling(ctx, approval.ID, 10*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("err = %v", err)
	}
}

func TestWaitSubscriptionResumesOnResolution(t *testing.T) {
	ctx := context.Background()
	coord, _, task := newCoordinator(t)
	approval, err := coord.Create(ctx, task, "c1", "admin.send", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		coord.Resolve(ctx, "ws1", approval.ID, models.ApprovalStatusApproved, "rev-1", "")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := coord.WaitSubscription(waitCtx, task.ID, approval.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != models.ApprovalStatusApproved {
		t.Fatalf("status = %s", got.Status)
	}
}
