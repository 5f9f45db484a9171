package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/execplane/execplane/internal/observability"
	"github.com/execplane/execplane/internal/storage"
	"github.com/execplane/execplane/pkg/models"
)

type fakeLoader struct {
	tools    []*models.SerializedTool
	warnings []string
	err      error
	loads    int
}

func (f *fakeLoader) Load(ctx context.Context, source *models.ToolSource) ([]*models.SerializedTool, []string, error) {
	f.loads++
	return f.tools, f.warnings, f.err
}

func seedSource(t *testing.T, m *storage.Memory, name string) *models.ToolSource {
	t.Helper()
	source := &models.ToolSource{
		WorkspaceID: "ws1",
		Name:        name,
		Type:        models.SourceTypeOpenAPI,
		Config:      map[string]any{"url": "https://example.test/" + name},
		Enabled:     true,
	}
	if err := m.UpsertSource(context.Background(), source); err != nil {
		t.Fatalf("upsert source: %v", err)
	}
	return source
}

func testTool(path string) *models.SerializedTool {
	return &models.SerializedTool{
		Path:      path,
		Namespace: firstSegment(path),
		Kind:      models.ToolKindOpenAPI,
		SourceKey: "openapi:petstore",
		Approval:  models.ApprovalAuto,
	}
}

func newTestBuilder(m *storage.Memory, loader Loader) *Builder {
	loaders := map[models.SourceType]Loader{models.SourceTypeOpenAPI: loader}
	config := DefaultBuilderConfig()
	// Single attempt keeps failing-loader tests fast.
	config.LoadAttempts = 1
	return NewBuilder(m, m, loaders, config, nil, nil)
}

func TestSignatureStableAndOrderIndependent(t *testing.T) {
	now := time.Now()
	a := &models.ToolSource{ID: "a", Enabled: true, UpdatedAt: now}
	b := &models.ToolSource{ID: "b", Enabled: true, UpdatedAt: now.Add(time.Second)}

	s1 := Signature([]*models.ToolSource{a, b})
	s2 := Signature([]*models.ToolSource{b, a})
	if s1 != s2 {
		t.Fatalf("signature depends on order: %q vs %q", s1, s2)
	}
	if !strings.HasPrefix(s1, "toolreg_v6|") {
		t.Fatalf("missing version prefix: %q", s1)
	}

	// Disabled sources do not contribute.
	b.Enabled = false
	s3 := Signature([]*models.ToolSource{a, b})
	if s3 == s1 {
		t.Fatal("disabling a source did not change the signature")
	}

	// An updatedAt bump changes the signature.
	a2 := *a
	a2.UpdatedAt = now.Add(time.Minute)
	if Signature([]*models.ToolSource{a}) == Signature([]*models.ToolSource{&a2}) {
		t.Fatal("updatedAt change did not change the signature")
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"admin.send_announcement": "adminsendannouncement",
		"admin.sendAnnouncement":  "adminsendannouncement",
		"Admin.Send-Announcement": "adminsendannouncement",
		"petstore.pets.pets.list": "petstorepetslist",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAliasesIncludeCamelCase(t *testing.T) {
	tool := testTool("admin.send_announcement")
	aliases := Aliases(tool)
	found := false
	for _, a := range aliases {
		if a == "admin.sendAnnouncement" {
			found = true
		}
		if a == tool.Path {
			t.Fatalf("canonical path leaked into aliases: %v", aliases)
		}
	}
	if !found {
		t.Fatalf("camelCase alias missing: %v", aliases)
	}
}

func TestSchemaHintDerivation(t *testing.T) {
	tool := testTool("admin.send_announcement")
	tool.InputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"channel": {"type": "string"},
			"message": {"type": "string"},
			"urgent": {"type": "boolean"}
		},
		"required": ["channel", "message"]
	}`)
	hint := DeriveDisplayInput(tool)
	if !strings.Contains(hint, "channel: string") || !strings.Contains(hint, "urgent?: boolean") {
		t.Fatalf("unexpected hint: %q", hint)
	}

	// A source-provided hint wins.
	tool.DisplayInput = "{channel, message}"
	if got := DeriveDisplayInput(tool); got != "{channel, message}" {
		t.Fatalf("source hint not preferred: %q", got)
	}

	required := RequiredInput(testToolWithSchema(tool.InputSchema))
	if len(required) != 2 || required[0] != "channel" {
		t.Fatalf("unexpected required input: %v", required)
	}
}

func testToolWithSchema(schema json.RawMessage) *models.SerializedTool {
	tool := testTool("x.y")
	tool.InputSchema = schema
	return tool
}

func TestRebuildCommitsAndSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	_, m := storage.NewMemoryRepository()
	seedSource(t, m, "petstore")
	loader := &fakeLoader{tools: []*models.SerializedTool{testTool("petstore.get_pet")}}
	builder := newTestBuilder(m, loader)

	state, err := builder.Rebuild(ctx, "ws1")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if state.ReadyBuildID == "" || state.ToolCount != 1 {
		t.Fatalf("unexpected state: %+v", state)
	}
	firstBuild := state.ReadyBuildID

	// Identical sources: no new build.
	state, err = builder.Rebuild(ctx, "ws1")
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	if state.ReadyBuildID != firstBuild {
		t.Fatal("unchanged signature replaced the ready build")
	}
	if loader.loads != 1 {
		t.Fatalf("expected 1 load, got %d", loader.loads)
	}
}

type commitFailStore struct {
	storage.RegistryStore
}

func (s *commitFailStore) CommitBuild(ctx context.Context, state *models.RegistryState) error {
	return errors.New("commit refused")
}

func TestRebuildCountsOutcomes(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetrics()

	_, m := storage.NewMemoryRepository()
	seedSource(t, m, "petstore")
	loaders := map[models.SourceType]Loader{
		models.SourceTypeOpenAPI: &fakeLoader{tools: []*models.SerializedTool{testTool("petstore.get_pet")}},
	}
	config := DefaultBuilderConfig()
	config.LoadAttempts = 1
	builder := NewBuilder(m, m, loaders, config, metrics, nil)

	committed := metrics.RegistryBuilds.WithLabelValues("committed")
	skipped := metrics.RegistryBuilds.WithLabelValues("skipped")
	failed := metrics.RegistryBuilds.WithLabelValues("failed")

	if _, err := builder.Rebuild(ctx, "ws1"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := testutil.ToFloat64(committed); got != 1 {
		t.Fatalf("committed = %v, want 1", got)
	}

	// Unchanged signature counts as a skip, not a second commit.
	if _, err := builder.Rebuild(ctx, "ws1"); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	if got := testutil.ToFloat64(skipped); got != 1 {
		t.Fatalf("skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(committed); got != 1 {
		t.Fatalf("committed after skip = %v, want 1", got)
	}

	// A commit error ends the build in the failed bucket.
	_, m2 := storage.NewMemoryRepository()
	seedSource(t, m2, "petstore")
	broken := NewBuilder(m2, &commitFailStore{RegistryStore: m2}, loaders, config, metrics, nil)
	if _, err := broken.Rebuild(ctx, "ws1"); err == nil {
		t.Fatal("expected rebuild error on commit failure")
	}
	if got := testutil.ToFloat64(failed); got != 1 {
		t.Fatalf("failed = %v, want 1", got)
	}
}

func TestRebuildOnSourceMutation(t *testing.T) {
	ctx := context.Background()
	_, m := storage.NewMemoryRepository()
	source := seedSource(t, m, "petstore")
	loader := &fakeLoader{tools: []*models.SerializedTool{testTool("petstore.get_pet")}}
	builder := newTestBuilder(m, loader)

	first, err := builder.Rebuild(ctx, "ws1")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	// Mutating the source bumps updatedAt and therefore the signature.
	time.Sleep(2 * time.Millisecond)
	if err := m.UpsertSource(ctx, source); err != nil {
		t.Fatalf("mutate source: %v", err)
	}
	loader.tools = []*models.SerializedTool{testTool("petstore.get_pet"), testTool("petstore.list_pets")}

	second, err := builder.EnsureReady(ctx, "ws1")
	if err != nil {
		t.Fatalf("ensure ready: %v", err)
	}
	if second.ReadyBuildID == first.ReadyBuildID {
		t.Fatal("mutated source did not produce a new build")
	}
	if second.ToolCount != 2 {
		t.Fatalf("expected 2 tools, got %d", second.ToolCount)
	}

	// Old entries are pruned beyond the retention window after a third build.
	time.Sleep(2 * time.Millisecond)
	if err := m.UpsertSource(ctx, source); err != nil {
		t.Fatalf("mutate source again: %v", err)
	}
	third, err := builder.EnsureReady(ctx, "ws1")
	if err != nil {
		t.Fatalf("third build: %v", err)
	}
	if _, err := m.GetEntry(ctx, "ws1", first.ReadyBuildID, "petstore.get_pet"); err != storage.ErrNotFound {
		t.Fatalf("expected first build pruned, got %v", err)
	}
	if _, err := m.GetEntry(ctx, "ws1", third.ReadyBuildID, "petstore.get_pet"); err != nil {
		t.Fatalf("current build missing: %v", err)
	}
}

func TestFailingSourceYieldsWarningsNotFailure(t *testing.T) {
	ctx := context.Background()
	_, m := storage.NewMemoryRepository()
	seedSource(t, m, "broken")
	loader := &fakeLoader{err: errors.New("connect refused")}
	builder := newTestBuilder(m, loader)

	state, err := builder.Rebuild(ctx, "ws1")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if state.ReadyBuildID == "" {
		t.Fatal("build with failing source did not commit")
	}
	if len(state.Warnings) == 0 {
		t.Fatal("expected a warning for the failing source")
	}
	if len(state.SourceStates) != 1 || state.SourceStates[0].Error == "" {
		t.Fatalf("expected source error recorded: %+v", state.SourceStates)
	}
}

type flakyLoader struct {
	inner    *fakeLoader
	failures int
	loads    int
}

func (f *flakyLoader) Load(ctx context.Context, source *models.ToolSource) ([]*models.SerializedTool, []string, error) {
	f.loads++
	if f.loads <= f.failures {
		return nil, nil, errors.New("connection reset")
	}
	return f.inner.Load(ctx, source)
}

func TestTransientSourceFailureRetried(t *testing.T) {
	ctx := context.Background()
	_, m := storage.NewMemoryRepository()
	seedSource(t, m, "petstore")
	loader := &flakyLoader{inner: &fakeLoader{tools: []*models.SerializedTool{testTool("petstore.get_pet")}}, failures: 1}

	loaders := map[models.SourceType]Loader{models.SourceTypeOpenAPI: loader}
	config := DefaultBuilderConfig()
	builder := NewBuilder(m, m, loaders, config, nil, nil)

	state, err := builder.Rebuild(ctx, "ws1")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if loader.loads != 2 {
		t.Fatalf("loads = %d, want 2", loader.loads)
	}
	if len(state.SourceStates) != 1 || state.SourceStates[0].Error != "" {
		t.Fatalf("source should have recovered: %+v", state.SourceStates)
	}
}

func TestResolveExactAliasAndNormalized(t *testing.T) {
	ctx := context.Background()
	_, m := storage.NewMemoryRepository()
	seedSource(t, m, "admin")
	loader := &fakeLoader{tools: []*models.SerializedTool{testTool("admin.send_announcement")}}
	builder := newTestBuilder(m, loader)
	resolver := NewResolver(m, builder)

	for _, path := range []string{
		"admin.send_announcement",
		"admin.sendAnnouncement",
		"Admin.Send_Announcement",
	} {
		entry, err := resolver.Resolve(ctx, "ws1", path)
		if err != nil {
			t.Fatalf("resolve %q: %v", path, err)
		}
		if entry.Path != "admin.send_announcement" {
			t.Fatalf("resolve %q: got %q", path, entry.Path)
		}
	}
}

func TestResolveUnknownSuggests(t *testing.T) {
	ctx := context.Background()
	_, m := storage.NewMemoryRepository()
	seedSource(t, m, "admin")
	loader := &fakeLoader{tools: []*models.SerializedTool{
		testTool("admin.missing_mail"),
		testTool("admin.list_tools"),
		testTool("billing.charge"),
	}}
	builder := newTestBuilder(m, loader)
	resolver := NewResolver(m, builder)

	_, err := resolver.Resolve(ctx, "ws1", "admin.missing_tool")
	var unknown *UnknownToolError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownToolError, got %v", err)
	}
	msg := unknown.Error()
	if !strings.HasPrefix(msg, "Unknown tool: admin.missing_tool") {
		t.Fatalf("unexpected message prefix: %q", msg)
	}
	if !strings.Contains(msg, "discover(") {
		t.Fatalf("missing discover hint: %q", msg)
	}
	if len(unknown.Suggestions) == 0 || unknown.Suggestions[0] != "admin.missing_mail" {
		t.Fatalf("unexpected suggestions: %v", unknown.Suggestions)
	}
}
