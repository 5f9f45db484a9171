package policy

import (
	"testing"
	"time"

	"github.com/execplane/execplane/pkg/models"
)

var testCtx = Context{
	WorkspaceID: "ws1",
	AccountID:   "acct-1",
	ClientID:    "client-1",
}

func autoTool(path string) *models.SerializedTool {
	return &models.SerializedTool{
		Path:      path,
		Namespace: firstSegment(path),
		Kind:      models.ToolKindOpenAPI,
		SourceKey: "openapi:petstore",
		Approval:  models.ApprovalAuto,
	}
}

func firstSegment(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}

func TestDefaultFollowsToolApproval(t *testing.T) {
	tool := autoTool("petstore.get_pet")
	out := Decide(tool, testCtx, nil, nil)
	if out.Decision != DecisionAllow {
		t.Fatalf("expected allow, got %s", out.Decision)
	}

	tool.Approval = models.ApprovalRequired
	out = Decide(tool, testCtx, nil, nil)
	if out.Decision != DecisionRequireApproval {
		t.Fatalf("expected require_approval, got %s", out.Decision)
	}
}

func TestDiscoveryAlwaysAllowed(t *testing.T) {
	deny := &models.AccessPolicy{
		ID: "p1", Scope: models.PolicyScopeWorkspace, WorkspaceID: "ws1",
		ResourceType: models.ResourceAllTools, Effect: models.EffectDeny, Priority: 1000,
	}
	for _, path := range []string{"discover", "catalog.namespaces", "catalog.tools"} {
		tool := &models.SerializedTool{Path: path, Kind: models.ToolKindSystem, Approval: models.ApprovalAuto}
		out := Decide(tool, testCtx, []*models.AccessPolicy{deny}, nil)
		if out.Decision != DecisionAllow {
			t.Fatalf("%s: expected allow, got %s", path, out.Decision)
		}
	}
}

func TestWorkspaceDenyByToolPath(t *testing.T) {
	policies := []*models.AccessPolicy{{
		ID:           "p1",
		Scope:        models.PolicyScopeWorkspace,
		WorkspaceID:  "ws1",
		ResourceType: models.ResourceToolPath,
		Pattern:      "admin.delete_data",
		MatchType:    models.MatchExact,
		Effect:       models.EffectDeny,
		Priority:     500,
	}}
	out := Decide(autoTool("admin.delete_data"), testCtx, policies, nil)
	if out.Decision != DecisionDeny {
		t.Fatalf("expected deny, got %s", out.Decision)
	}
	if out.PolicyID != "p1" {
		t.Fatalf("expected winning policy p1, got %q", out.PolicyID)
	}

	// Other workspace: policy filtered out.
	other := testCtx
	other.WorkspaceID = "ws2"
	out = Decide(autoTool("admin.delete_data"), other, policies, nil)
	if out.Decision != DecisionAllow {
		t.Fatalf("expected allow for other workspace, got %s", out.Decision)
	}
}

func TestSpecificToolPathBeatsAllTools(t *testing.T) {
	policies := []*models.AccessPolicy{
		{
			ID: "broad", Scope: models.PolicyScopeWorkspace, WorkspaceID: "ws1",
			ResourceType: models.ResourceAllTools, Effect: models.EffectDeny,
		},
		{
			ID: "narrow", Scope: models.PolicyScopeWorkspace, WorkspaceID: "ws1",
			ResourceType: models.ResourceToolPath, Pattern: "petstore.get_pet",
			MatchType: models.MatchExact, Effect: models.EffectAllow,
			ApprovalMode: models.PolicyApprovalAuto,
		},
	}
	out := Decide(autoTool("petstore.get_pet"), testCtx, policies, nil)
	if out.Decision != DecisionAllow {
		t.Fatalf("expected the specific allow to win, got %s", out.Decision)
	}
	if out.PolicyID != "narrow" {
		t.Fatalf("expected narrow policy to win, got %q", out.PolicyID)
	}
}

func TestTieBreaksByCreationOrder(t *testing.T) {
	now := time.Now()
	first := &models.AccessPolicy{
		ID: "first", Scope: models.PolicyScopeWorkspace, WorkspaceID: "ws1",
		ResourceType: models.ResourceAllTools, Effect: models.EffectDeny, CreatedAt: now,
	}
	second := &models.AccessPolicy{
		ID: "second", Scope: models.PolicyScopeWorkspace, WorkspaceID: "ws1",
		ResourceType: models.ResourceAllTools, Effect: models.EffectAllow,
		ApprovalMode: models.PolicyApprovalAuto, CreatedAt: now.Add(time.Second),
	}
	out := Decide(autoTool("petstore.get_pet"), testCtx, []*models.AccessPolicy{first, second}, nil)
	if out.Decision != DecisionDeny || out.PolicyID != "first" {
		t.Fatalf("expected deterministic first-created winner, got %s via %q", out.Decision, out.PolicyID)
	}
}

func TestGlobMatching(t *testing.T) {
	policies := []*models.AccessPolicy{{
		ID: "p1", Scope: models.PolicyScopeWorkspace, WorkspaceID: "ws1",
		ResourceType: models.ResourceNamespace, Pattern: "admin.*",
		MatchType: models.MatchGlob, Effect: models.EffectAllow,
		ApprovalMode: models.PolicyApprovalRequired,
	}}
	out := Decide(autoTool("admin.send_announcement"), testCtx, policies, nil)
	if out.Decision != DecisionRequireApproval {
		t.Fatalf("expected require_approval under glob, got %s", out.Decision)
	}
	out = Decide(autoTool("billing.charge"), testCtx, policies, nil)
	if out.Decision != DecisionAllow {
		t.Fatalf("expected allow outside glob, got %s", out.Decision)
	}
}

func TestArgumentConditions(t *testing.T) {
	policies := []*models.AccessPolicy{{
		ID: "p1", Scope: models.PolicyScopeWorkspace, WorkspaceID: "ws1",
		ResourceType: models.ResourceToolPath, Pattern: "admin.send_announcement",
		MatchType: models.MatchExact, Effect: models.EffectDeny,
		ArgumentConditions: []models.ArgumentCondition{
			{Key: "channel", Operator: models.OpEquals, Value: "general"},
		},
	}}
	tool := autoTool("admin.send_announcement")

	out := Decide(tool, testCtx, policies, map[string]any{"channel": "general"})
	if out.Decision != DecisionDeny {
		t.Fatalf("expected conditioned deny, got %s", out.Decision)
	}
	out = Decide(tool, testCtx, policies, map[string]any{"channel": "random"})
	if out.Decision != DecisionAllow {
		t.Fatalf("expected allow on non-matching input, got %s", out.Decision)
	}
	// Conditions never match a call without input.
	out = Decide(tool, testCtx, policies, nil)
	if out.Decision != DecisionAllow {
		t.Fatalf("expected allow without input, got %s", out.Decision)
	}
}

func TestConditionOperators(t *testing.T) {
	cases := []struct {
		op    models.ConditionOperator
		value any
		input any
		want  bool
	}{
		{models.OpEquals, "a", "a", true},
		{models.OpEquals, "a", "b", false},
		{models.OpNotEquals, "a", "b", true},
		{models.OpContains, "ell", "hello", true},
		{models.OpContains, "xyz", "hello", false},
		{models.OpStartsWith, "he", "hello", true},
		{models.OpStartsWith, "lo", "hello", false},
		{models.OpIn, []any{"a", "b"}, "b", true},
		{models.OpIn, []any{"a", "b"}, "c", false},
	}
	for _, tc := range cases {
		cond := models.ArgumentCondition{Key: "k", Operator: tc.op, Value: tc.value}
		got := conditionMatches(cond, map[string]any{"k": tc.input})
		if got != tc.want {
			t.Errorf("%s(%v, %v): expected %v, got %v", tc.op, tc.value, tc.input, tc.want, got)
		}
	}
}

func TestGraphQLStrictestFieldWins(t *testing.T) {
	tool := &models.SerializedTool{
		Path:      "shop.graphql",
		Namespace: "shop",
		Kind:      models.ToolKindGraphQLExecutor,
		SourceKey: "graphql:shop",
		Approval:  models.ApprovalAuto,
	}
	policies := []*models.AccessPolicy{{
		ID: "p1", Scope: models.PolicyScopeWorkspace, WorkspaceID: "ws1",
		ResourceType: models.ResourceToolPath, Pattern: "shop.mutation.delete_order",
		MatchType: models.MatchExact, Effect: models.EffectDeny,
	}}

	out := Decide(tool, testCtx, policies, map[string]any{
		"query": `mutation { deleteOrder(id: "1") { ok } }`,
	})
	if out.Decision != DecisionDeny {
		t.Fatalf("expected per-field deny, got %s", out.Decision)
	}
	if len(out.EffectivePaths) != 1 || out.EffectivePaths[0] != "shop.mutation.delete_order" {
		t.Fatalf("unexpected effective paths: %v", out.EffectivePaths)
	}

	// Plain query fields inherit the auto default.
	out = Decide(tool, testCtx, policies, map[string]any{
		"query": `query { orders { id } }`,
	})
	if out.Decision != DecisionAllow {
		t.Fatalf("expected allow for query field, got %s", out.Decision)
	}

	// Mutations default to required approval without a policy.
	out = Decide(tool, testCtx, nil, map[string]any{
		"query": `mutation { createOrder(sku: "x") { id } }`,
	})
	if out.Decision != DecisionRequireApproval {
		t.Fatalf("expected require_approval for mutation default, got %s", out.Decision)
	}
}

func TestGraphQLUnparseableFallsBackToEntryTool(t *testing.T) {
	tool := &models.SerializedTool{
		Path:      "shop.graphql",
		Namespace: "shop",
		Kind:      models.ToolKindGraphQLExecutor,
		SourceKey: "graphql:shop",
		Approval:  models.ApprovalAuto,
	}
	out := Decide(tool, testCtx, nil, map[string]any{"query": "{{{ nope"})
	if out.Decision != DecisionAllow {
		t.Fatalf("expected entry-tool fallback allow, got %s", out.Decision)
	}
	if len(out.EffectivePaths) != 1 || out.EffectivePaths[0] != "shop.graphql" {
		t.Fatalf("unexpected effective paths: %v", out.EffectivePaths)
	}
}
