package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/execplane/execplane/internal/approvals"
	"github.com/execplane/execplane/internal/events"
	"github.com/execplane/execplane/internal/storage"
	"github.com/execplane/execplane/pkg/models"
)

type fakeAdapter struct {
	results []ToolCallResult
	calls   []ToolCallRequest
}

func (f *fakeAdapter) InvokeTool(ctx context.Context, req ToolCallRequest) ToolCallResult {
	f.calls = append(f.calls, req)
	if len(f.results) == 0 {
		return ToolCallResult{OK: true, Value: json.RawMessage(`null`)}
	}
	result := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return result
}

func (f *fakeAdapter) EmitOutput(ctx context.Context, event OutputEvent) {}

func runSnippet(t *testing.T, rt *InProcess, code string, adapter Adapter) RunResult {
	t.Helper()
	result, err := rt.Run(context.Background(), RunRequest{TaskID: "task-1", Code: code, TimeoutMs: 30000}, adapter)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return result
}

func TestRunArithmetic(t *testing.T) {
	rt := NewInProcess(nil, nil)
	cases := map[string]string{
		"return 40 + 2":          "42",
		"return (2 + 3) * 4":     "20",
		"return 10 - 2 * 3":      "4",
		"return 7 % 4":           "3",
		"const x = 6; return x*7": "42",
	}
	for code, want := range cases {
		result := runSnippet(t, rt, code, &fakeAdapter{})
		if result.Status != models.TaskStatusCompleted {
			t.Fatalf("%q: expected completed, got %s (%s)", code, result.Status, result.Error)
		}
		if string(result.Result) != want {
			t.Errorf("%q: result = %s, want %s", code, result.Result, want)
		}
		if result.ExitCode == nil || *result.ExitCode != 0 {
			t.Errorf("%q: expected exit code 0", code)
		}
	}
}

func TestRunToolCallParsesLiteralInput(t *testing.T) {
	adapter := &fakeAdapter{results: []ToolCallResult{{OK: true, Value: json.RawMessage(`{"sent":"hi"}`)}}}
	rt := NewInProcess(nil, nil)

	result := runSnippet(t, rt, `await tools.admin.send_announcement({channel:"general", message:"hi"})`, adapter)
	if result.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Error)
	}
	if len(adapter.calls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(adapter.calls))
	}
	call := adapter.calls[0]
	if call.ToolPath != "admin.send_announcement" {
		t.Fatalf("tool path = %q", call.ToolPath)
	}
	if call.Input["channel"] != "general" || call.Input["message"] != "hi" {
		t.Fatalf("input = %v", call.Input)
	}
	// The awaited value of the final statement becomes the task result.
	var out map[string]any
	if err := json.Unmarshal(result.Result, &out); err != nil || out["sent"] != "hi" {
		t.Fatalf("result = %s", result.Result)
	}
}

func TestRunToolCallDenied(t *testing.T) {
	adapter := &fakeAdapter{results: []ToolCallResult{{
		OK: false, Kind: KindDenied, Error: "approval_denied: admin.delete_data: policy_deny",
	}}}
	rt := NewInProcess(nil, nil)

	result := runSnippet(t, rt, "await tools.admin.delete_data({})", adapter)
	if result.Status != models.TaskStatusDenied {
		t.Fatalf("expected denied, got %s", result.Status)
	}
	if result.Error == "" || !containsStr(result.Error, "admin.delete_data") {
		t.Fatalf("error should name the tool path: %q", result.Error)
	}
}

func TestRunToolCallFailed(t *testing.T) {
	adapter := &fakeAdapter{results: []ToolCallResult{{
		OK: false, Kind: KindFailed, Error: "Unknown tool: admin.missing_tool. Try discover(\"admin\") to list available tools.",
	}}}
	rt := NewInProcess(nil, nil)

	result := runSnippet(t, rt, "await tools.admin.missing_tool({})", adapter)
	if result.Status != models.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if !containsStr(result.Error, "Unknown tool: admin.missing_tool") {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestRunPendingSuspendsAndReplays(t *testing.T) {
	repo, _ := storage.NewMemoryRepository()
	journal := storage.NewJournal(repo.Events, events.NewHub(nil), nil)
	coord := approvals.NewCoordinator(repo, journal, nil)
	ctx := context.Background()

	task := &models.Task{ID: "task-1", WorkspaceID: "ws1", Status: models.TaskStatusRunning, CreatedAt: time.Now()}
	if err := repo.Tasks.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, _, err := repo.ToolCalls.UpsertToolCallRequested(ctx, task.ID, "c1", "admin.send_announcement", nil); err != nil {
		t.Fatalf("seed call: %v", err)
	}
	approval, err := coord.Create(ctx, task, "c1", "admin.send_announcement", nil)
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	adapter := &fakeAdapter{results: []ToolCallResult{
		{OK: false, Kind: KindPending, ApprovalID: approval.ID},
		{OK: true, Value: json.RawMessage(`"sent"`)},
	}}
	rt := NewInProcess(coord, nil)

	go func() {
		time.Sleep(100 * time.Millisecond)
		coord.Resolve(ctx, "ws1", approval.ID, models.ApprovalStatusApproved, "reviewer-1", "")
	}()

	result := runSnippet(t, rt, "return await tools.admin.send_announcement({message:\"hi\"})", adapter)
	if result.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Error)
	}
	if string(result.Result) != `"sent"` {
		t.Fatalf("result = %s", result.Result)
	}
	if len(adapter.calls) != 2 {
		t.Fatalf("expected suspend then replay, got %d calls", len(adapter.calls))
	}
	if adapter.calls[0].CallID != adapter.calls[1].CallID {
		t.Fatal("replay used a different callId")
	}
}

func TestRunTimeout(t *testing.T) {
	repo, _ := storage.NewMemoryRepository()
	journal := storage.NewJournal(repo.Events, events.NewHub(nil), nil)
	coord := approvals.NewCoordinator(repo, journal, nil)

	ctx := context.Background()
	task := &models.Task{ID: "task-1", WorkspaceID: "ws1", Status: models.TaskStatusRunning, CreatedAt: time.Now()}
	if err := repo.Tasks.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, _, err := repo.ToolCalls.UpsertToolCallRequested(ctx, task.ID, "c1", "admin.slow", nil); err != nil {
		t.Fatalf("seed call: %v", err)
	}
	approval, err := coord.Create(ctx, task, "c1", "admin.slow", nil)
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	adapter := &fakeAdapter{results: []ToolCallResult{
		{OK: false, Kind: KindPending, ApprovalID: approval.ID},
	}}
	rt := NewInProcess(coord, nil)

	result, err := rt.Run(ctx, RunRequest{
		TaskID:    "task-1",
		Code:      "await tools.admin.slow({})",
		TimeoutMs: 50,
	}, adapter)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != models.TaskStatusTimedOut {
		t.Fatalf("expected timed_out, got %s (%s)", result.Status, result.Error)
	}
	if result.Error != "TASK_TIMEOUT" {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestSplitStatementsRespectsNesting(t *testing.T) {
	stmts := splitStatements("const a = tools.x.y({k: \"v;w\"})\nreturn a")
	var nonEmpty []string
	for _, s := range stmts {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) != 2 {
		t.Fatalf("expected 2 statements, got %v", nonEmpty)
	}
}

func containsStr(s, sub string) bool {
	return strings.Contains(s, sub)
}
