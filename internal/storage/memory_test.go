package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/execplane/execplane/pkg/models"
)

func newQueuedTask(id, workspaceID string) *models.Task {
	now := time.Now()
	return &models.Task{
		ID:          id,
		WorkspaceID: workspaceID,
		AccountID:   "acct-1",
		Code:        "return 1",
		RuntimeID:   "inproc",
		TimeoutMs:   30000,
		Status:      models.TaskStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMarkTaskRunningSingleClaim(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.CreateTask(ctx, newQueuedTask("t1", "ws1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	claims := make(chan *models.Task, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := m.MarkTaskRunning(ctx, "t1")
			if err != nil {
				t.Errorf("mark running: %v", err)
				return
			}
			if claimed != nil {
				claims <- claimed
			}
		}()
	}
	wg.Wait()
	close(claims)

	count := 0
	for claimed := range claims {
		count++
		if claimed.Status != models.TaskStatusRunning {
			t.Fatalf("expected running, got %s", claimed.Status)
		}
		if claimed.StartedAt == nil {
			t.Fatal("expected startedAt set on claim")
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one claim, got %d", count)
	}
}

func TestCompleteTaskTerminalIsImmutable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.CreateTask(ctx, newQueuedTask("t1", "ws1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	done, err := m.CompleteTask(ctx, "t1", models.TaskStatusCompleted, json.RawMessage(`42`), nil, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	again, err := m.CompleteTask(ctx, "t1", models.TaskStatusFailed, nil, nil, "boom")
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if again.Status != models.TaskStatusCompleted || again.Error != "" {
		t.Fatalf("terminal task was mutated: %+v", again)
	}
	if string(again.Result) != `42` {
		t.Fatalf("expected result preserved, got %s", again.Result)
	}
}

func TestAppendEventContiguousSeq(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.AppendEvent(ctx, "t1", models.EventFamilyTask, "task.running", nil); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	evs, err := m.ListEvents(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evs) != n {
		t.Fatalf("expected %d events, got %d", n, len(evs))
	}
	for i, ev := range evs {
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected seq %d at index %d, got %d", i+1, i, ev.Seq)
		}
	}

	tail, err := m.ListEvents(ctx, "t1", int64(n-3))
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("expected 3 events after seq %d, got %d", n-3, len(tail))
	}
}

func TestUpsertToolCallIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, created, err := m.UpsertToolCallRequested(ctx, "t1", "c1", "admin.send", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Fatal("expected created on first upsert")
	}
	if first.Status != models.ToolCallStatusRequested {
		t.Fatalf("expected requested, got %s", first.Status)
	}

	if err := m.CompleteToolCall(ctx, "t1", "c1", models.ToolCallStatusCompleted, json.RawMessage(`"ok"`), ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	replay, created, err := m.UpsertToolCallRequested(ctx, "t1", "c1", "admin.send", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("replay upsert: %v", err)
	}
	if created {
		t.Fatal("expected created=false on replay")
	}
	if replay.Status != models.ToolCallStatusCompleted || string(replay.Output) != `"ok"` {
		t.Fatalf("replay did not return the terminal row: %+v", replay)
	}
}

func TestCompleteToolCallTerminalIsImmutable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, _, err := m.UpsertToolCallRequested(ctx, "t1", "c1", "admin.send", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.CompleteToolCall(ctx, "t1", "c1", models.ToolCallStatusCompleted, json.RawMessage(`"ok"`), ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A late failure report must not overwrite the settled outcome.
	if err := m.CompleteToolCall(ctx, "t1", "c1", models.ToolCallStatusFailed, nil, "late timeout"); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	call, err := m.GetToolCall(ctx, "t1", "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if call.Status != models.ToolCallStatusCompleted || call.Error != "" {
		t.Fatalf("terminal call was mutated: %+v", call)
	}
	if string(call.Output) != `"ok"` {
		t.Fatalf("expected output preserved, got %s", call.Output)
	}
}

func TestResolveApprovalOneShot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := &models.Approval{
		ID:          "ap1",
		TaskID:      "t1",
		WorkspaceID: "ws1",
		CallID:      "c1",
		ToolPath:    "admin.send",
		Status:      models.ApprovalStatusPending,
		CreatedAt:   time.Now(),
	}
	if err := m.CreateApproval(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	resolved, err := m.ResolveApproval(ctx, "ap1", models.ApprovalStatusApproved, "rev-1", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved == nil || resolved.Status != models.ApprovalStatusApproved {
		t.Fatalf("expected approved, got %+v", resolved)
	}
	if resolved.ResolvedAt == nil || resolved.ReviewerID != "rev-1" {
		t.Fatalf("resolution metadata missing: %+v", resolved)
	}

	second, err := m.ResolveApproval(ctx, "ap1", models.ApprovalStatusDenied, "rev-2", "nope")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second != nil {
		t.Fatalf("expected nil on second resolution, got %+v", second)
	}

	stored, err := m.GetApproval(ctx, "ap1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.ApprovalStatusApproved {
		t.Fatalf("approval was mutated after resolution: %s", stored.Status)
	}
}

func TestWatchQueueNotifiesOnCreate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ch, cancel := m.WatchQueue(ctx)
	defer cancel()

	if err := m.CreateTask(ctx, newQueuedTask("t1", "ws1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected queue notification")
	}
}

func TestClaimBuildStaleSupersession(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.ClaimBuild(ctx, "ws1", "b1", 120*time.Second)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}

	ok, err = m.ClaimBuild(ctx, "ws1", "b2", 120*time.Second)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("expected fresh claim to block a competing build")
	}

	// A zero staleness treats any in-flight claim as abandoned.
	ok, err = m.ClaimBuild(ctx, "ws1", "b3", 0)
	if err != nil || !ok {
		t.Fatalf("stale supersession: ok=%v err=%v", ok, err)
	}
	st, err := m.GetRegistryState(ctx, "ws1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.BuildingBuildID != "b3" {
		t.Fatalf("expected b3 in flight, got %q", st.BuildingBuildID)
	}
}

func TestCommitBuildPromotesAndPrune(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if ok, _ := m.ClaimBuild(ctx, "ws1", "b1", time.Minute); !ok {
		t.Fatal("claim failed")
	}
	entry := &models.RegistryEntry{WorkspaceID: "ws1", BuildID: "b1", Path: "admin.send", Namespace: "admin"}
	if err := m.PutEntries(ctx, []*models.RegistryEntry{entry}); err != nil {
		t.Fatalf("put entries: %v", err)
	}
	if err := m.CommitBuild(ctx, &models.RegistryState{
		WorkspaceID:  "ws1",
		Signature:    "sig-1",
		ReadyBuildID: "b1",
		ToolCount:    1,
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	st, err := m.GetRegistryState(ctx, "ws1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.ReadyBuildID != "b1" || st.BuildingBuildID != "" {
		t.Fatalf("commit did not promote: %+v", st)
	}

	// Second build replaces the first; pruning keeps only the ready build.
	if ok, _ := m.ClaimBuild(ctx, "ws1", "b2", 0); !ok {
		t.Fatal("second claim failed")
	}
	entry2 := &models.RegistryEntry{WorkspaceID: "ws1", BuildID: "b2", Path: "admin.send", Namespace: "admin"}
	if err := m.PutEntries(ctx, []*models.RegistryEntry{entry2}); err != nil {
		t.Fatalf("put entries: %v", err)
	}
	if err := m.CommitBuild(ctx, &models.RegistryState{WorkspaceID: "ws1", Signature: "sig-2", ReadyBuildID: "b2", ToolCount: 1}); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if err := m.PruneBuilds(ctx, "ws1", []string{"b2"}); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := m.GetEntry(ctx, "ws1", "b1", "admin.send"); err != ErrNotFound {
		t.Fatalf("expected pruned build entry gone, got %v", err)
	}
	if _, err := m.GetEntry(ctx, "ws1", "b2", "admin.send"); err != nil {
		t.Fatalf("kept build entry missing: %v", err)
	}
}

func TestFindCredentialPrefersAccountScope(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	wsCred := &models.CredentialRecord{
		Scope:       models.CredentialScopeWorkspace,
		WorkspaceID: "ws1",
		SourceKey:   "openapi:petstore",
		AuthType:    models.AuthTypeBearer,
	}
	acctCred := &models.CredentialRecord{
		Scope:       models.CredentialScopeAccount,
		WorkspaceID: "ws1",
		AccountID:   "acct-1",
		SourceKey:   "openapi:petstore",
		AuthType:    models.AuthTypeAPIKey,
	}
	if err := m.UpsertCredential(ctx, wsCred); err != nil {
		t.Fatalf("upsert ws: %v", err)
	}
	if err := m.UpsertCredential(ctx, acctCred); err != nil {
		t.Fatalf("upsert acct: %v", err)
	}

	found, err := m.FindCredential(ctx, "ws1", "acct-1", "OpenAPI:Petstore")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Scope != models.CredentialScopeAccount {
		t.Fatalf("expected account-scope match, got %s", found.Scope)
	}

	fallback, err := m.FindCredential(ctx, "ws1", "acct-other", "openapi:petstore")
	if err != nil {
		t.Fatalf("find fallback: %v", err)
	}
	if fallback.Scope != models.CredentialScopeWorkspace {
		t.Fatalf("expected workspace fallback, got %s", fallback.Scope)
	}

	if _, err := m.FindCredential(ctx, "ws1", "acct-1", "openapi:other"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBootstrapSessionIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ws1, acct1, err := m.BootstrapSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	ws2, acct2, err := m.BootstrapSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("bootstrap again: %v", err)
	}
	if ws1 != ws2 || acct1 != acct2 {
		t.Fatalf("session not stable: (%s,%s) vs (%s,%s)", ws1, acct1, ws2, acct2)
	}

	ws3, _, err := m.BootstrapSession(ctx, "sess-2")
	if err != nil {
		t.Fatalf("bootstrap other: %v", err)
	}
	if ws3 == ws1 {
		t.Fatal("distinct sessions share a workspace")
	}
}
