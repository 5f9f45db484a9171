package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/execplane/execplane/internal/approvals"
	"github.com/execplane/execplane/internal/events"
	"github.com/execplane/execplane/internal/invoke"
	"github.com/execplane/execplane/internal/registry"
	"github.com/execplane/execplane/internal/runtime"
	"github.com/execplane/execplane/internal/sources"
	"github.com/execplane/execplane/internal/storage"
	"github.com/execplane/execplane/pkg/models"
)

type stubLoader struct {
	tools []*models.SerializedTool
}

func (s *stubLoader) Load(ctx context.Context, source *models.ToolSource) ([]*models.SerializedTool, []string, error) {
	return s.tools, nil, nil
}

type harness struct {
	repo      *storage.Repository
	journal   *storage.Journal
	coord     *approvals.Coordinator
	scheduler *Scheduler
}

func newHarness(t *testing.T, tools []*models.SerializedTool) *harness {
	t.Helper()
	ctx := context.Background()

	repo, _ := storage.NewMemoryRepository()
	journal := storage.NewJournal(repo.Events, events.NewHub(nil), nil)

	if len(tools) > 0 {
		source := &models.ToolSource{
			WorkspaceID: "ws1",
			Name:        "admin",
			Type:        models.SourceTypeOpenAPI,
			Config:      map[string]any{"url": "https://example.test/spec"},
			Enabled:     true,
		}
		if err := repo.Sources.UpsertSource(ctx, source); err != nil {
			t.Fatalf("upsert source: %v", err)
		}
	}
	loaders := map[models.SourceType]registry.Loader{
		models.SourceTypeOpenAPI: &stubLoader{tools: tools},
	}
	builder := registry.NewBuilder(repo.Sources, repo.Registry, loaders, registry.DefaultBuilderConfig(), nil, nil)
	resolver := registry.NewResolver(repo.Registry, builder)
	coord := approvals.NewCoordinator(repo, journal, nil)
	pipeline := invoke.NewPipeline(repo, journal, resolver, sources.NewRunner(nil), coord, nil, nil)

	runtimes := runtime.NewRegistry()
	runtimes.Register(runtime.NewInProcess(coord, nil), "In-process")

	sched := New(repo, journal, runtimes, pipeline, nil, Config{
		PollInterval: 50 * time.Millisecond,
		BatchSize:    5,
	}, nil)
	return &harness{repo: repo, journal: journal, coord: coord, scheduler: sched}
}

func (h *harness) createTask(t *testing.T, code, runtimeID string) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:          "task-1",
		WorkspaceID: "ws1",
		AccountID:   "acct-1",
		Code:        code,
		RuntimeID:   runtimeID,
		TimeoutMs:   30000,
		Status:      models.TaskStatusQueued,
		CreatedAt:   time.Now(),
	}
	if err := h.repo.Tasks.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (h *harness) waitTerminal(t *testing.T, taskID string, within time.Duration) *models.Task {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		task, err := h.repo.Tasks.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.IsTerminal() {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s still %s after %s", taskID, task.Status, within)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) eventTypes(t *testing.T, taskID string) []string {
	t.Helper()
	evs, err := h.repo.Events.ListEvents(context.Background(), taskID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func TestSchedulerRunsArithmeticTask(t *testing.T) {
	h := newHarness(t, nil)
	task := h.createTask(t, "return 40 + 2", runtime.InProcessID)

	h.scheduler.Start(context.Background())
	defer h.scheduler.Stop()

	final := h.waitTerminal(t, task.ID, 5*time.Second)
	if final.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if string(final.Result) != "42" {
		t.Fatalf("result = %s", final.Result)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatal("expected exit code 0")
	}

	types := h.eventTypes(t, task.ID)
	sawRunning, sawCompleted := false, false
	for _, tp := range types {
		if tp == "task.running" {
			sawRunning = true
		}
		if tp == "task.completed" {
			if !sawRunning {
				t.Fatal("task.completed before task.running")
			}
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatalf("missing task.completed: %v", types)
	}
}

func TestSchedulerUnknownRuntime(t *testing.T) {
	h := newHarness(t, nil)
	task := h.createTask(t, "return 1", "does-not-exist")

	h.scheduler.Start(context.Background())
	defer h.scheduler.Stop()

	final := h.waitTerminal(t, task.ID, 5*time.Second)
	if final.Status != models.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Error != "Runtime not found" {
		t.Fatalf("error = %q", final.Error)
	}
}

func TestSchedulerApprovalApprovedFlow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"delivered":"hi"}`))
	}))
	defer server.Close()

	spec, _ := json.Marshal(sources.OpenAPIOperation{Method: http.MethodPost, BaseURL: server.URL, Path: "/announce", HasBody: true})
	tool := &models.SerializedTool{
		Path:      "admin.send_announcement",
		Namespace: "admin",
		Kind:      models.ToolKindOpenAPI,
		SourceKey: "openapi:admin",
		Approval:  models.ApprovalRequired,
		Spec:      spec,
	}
	h := newHarness(t, []*models.SerializedTool{tool})
	task := h.createTask(t, `return await tools.admin.send_announcement({channel:"general", message:"hi"})`, runtime.InProcessID)

	h.scheduler.Start(context.Background())
	defer h.scheduler.Stop()

	// Wait for the approval to appear, then approve it.
	var approvalID string
	deadline := time.Now().Add(5 * time.Second)
	for approvalID == "" {
		pending := models.ApprovalStatusPending
		rows, err := h.repo.Approvals.ListApprovals(context.Background(), "ws1", &pending)
		if err != nil {
			t.Fatalf("list approvals: %v", err)
		}
		if len(rows) > 0 {
			approvalID = rows[0].ID
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("approval never created")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := h.coord.Resolve(context.Background(), "ws1", approvalID, models.ApprovalStatusApproved, "reviewer-1", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	final := h.waitTerminal(t, task.ID, 10*time.Second)
	if final.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if !strings.Contains(string(final.Result), "hi") {
		t.Fatalf("result = %s", final.Result)
	}
	types := h.eventTypes(t, task.ID)
	for _, want := range []string{"approval.requested", "approval.resolved", "tool.call.completed", "task.completed"} {
		found := false
		for _, tp := range types {
			if tp == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing event %s: %v", want, types)
		}
	}
}

func TestSchedulerApprovalDeniedFlow(t *testing.T) {
	spec, _ := json.Marshal(sources.OpenAPIOperation{Method: http.MethodPost, BaseURL: "http://unused.test", Path: "/announce"})
	tool := &models.SerializedTool{
		Path:      "admin.send_announcement",
		Namespace: "admin",
		Kind:      models.ToolKindOpenAPI,
		SourceKey: "openapi:admin",
		Approval:  models.ApprovalRequired,
		Spec:      spec,
	}
	h := newHarness(t, []*models.SerializedTool{tool})
	task := h.createTask(t, `await tools.admin.send_announcement({message:"hi"})`, runtime.InProcessID)

	h.scheduler.Start(context.Background())
	defer h.scheduler.Stop()

	var approvalID string
	deadline := time.Now().Add(5 * time.Second)
	for approvalID == "" {
		pending := models.ApprovalStatusPending
		rows, err := h.repo.Approvals.ListApprovals(context.Background(), "ws1", &pending)
		if err != nil {
			t.Fatalf("list approvals: %v", err)
		}
		if len(rows) > 0 {
			approvalID = rows[0].ID
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("approval never created")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := h.coord.Resolve(context.Background(), "ws1", approvalID, models.ApprovalStatusDenied, "reviewer-1", "too dangerous"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	final := h.waitTerminal(t, task.ID, 10*time.Second)
	if final.Status != models.TaskStatusDenied {
		t.Fatalf("expected denied, got %s (%s)", final.Status, final.Error)
	}
	if !strings.Contains(final.Error, "admin.send_announcement") {
		t.Fatalf("error should name the tool path: %q", final.Error)
	}
}
