// Package policy evaluates access policies against tool invocations. Decide
// is a pure function over the tool, the acting context, and the workspace's
// policies as stored; nothing here caches compiled forms.
package policy

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/execplane/execplane/pkg/models"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	// DecisionAllow permits the call without review.
	DecisionAllow Decision = "allow"

	// DecisionRequireApproval gates the call behind a human approval.
	DecisionRequireApproval Decision = "require_approval"

	// DecisionDeny rejects the call.
	DecisionDeny Decision = "deny"
)

// stricter orders decisions deny > require_approval > allow.
func stricter(a, b Decision) Decision {
	rank := map[Decision]int{DecisionAllow: 0, DecisionRequireApproval: 1, DecisionDeny: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Context identifies the actor a decision is made for.
type Context struct {
	WorkspaceID    string
	OrganizationID string
	AccountID      string
	ClientID       string
}

// Outcome is a decision plus the paths it was evaluated against. For GraphQL
// entry tools EffectivePaths lists the synthesized per-field paths; for
// everything else it holds the tool path alone.
type Outcome struct {
	Decision Decision

	// PolicyID is the winning policy, empty when the tool default applied.
	PolicyID string

	EffectivePaths []string
}

// Decide evaluates the policies for one tool invocation. For GraphQL entry
// tools the query argument is parsed and the strictest per-field decision
// wins.
func Decide(tool *models.SerializedTool, dctx Context, policies []*models.AccessPolicy, input map[string]any) Outcome {
	if tool.Kind == models.ToolKindGraphQLExecutor {
		if query, ok := input["query"].(string); ok && query != "" {
			if outcome, ok := decideGraphQLQuery(tool, dctx, policies, query, input); ok {
				return outcome
			}
		}
	}
	decision, policyID := decidePath(tool.Path, tool.SourceKey, tool.Approval, dctx, policies, input)
	return Outcome{Decision: decision, PolicyID: policyID, EffectivePaths: []string{tool.Path}}
}

// decideGraphQLQuery maps the query's top-level fields to synthetic pseudo
// tool paths and returns the strictest decision across them. An unparseable
// query falls back to the entry tool itself.
func decideGraphQLQuery(tool *models.SerializedTool, dctx Context, policies []*models.AccessPolicy, query string, input map[string]any) (Outcome, bool) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil || len(doc.Operations) == 0 {
		return Outcome{}, false
	}
	outcome := Outcome{Decision: DecisionAllow}
	for _, op := range doc.Operations {
		kind := "query"
		approvalDefault := models.ApprovalAuto
		if op.Operation == ast.Mutation {
			kind = "mutation"
			approvalDefault = models.ApprovalRequired
		}
		for _, sel := range op.SelectionSet {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			path := fmt.Sprintf("%s.%s.%s", tool.Namespace, kind, models.SanitizePathSegment(field.Name))
			decision, policyID := decidePath(path, tool.SourceKey, approvalDefault, dctx, policies, input)
			prev := outcome.Decision
			outcome.Decision = stricter(outcome.Decision, decision)
			if outcome.Decision != prev || outcome.PolicyID == "" {
				outcome.PolicyID = policyID
			}
			outcome.EffectivePaths = append(outcome.EffectivePaths, path)
		}
	}
	if len(outcome.EffectivePaths) == 0 {
		return Outcome{}, false
	}
	return outcome, true
}

// decidePath runs the core ruleset for one concrete tool path.
func decidePath(path, sourceKey string, approval models.ApprovalMode, dctx Context, policies []*models.AccessPolicy, input map[string]any) (Decision, string) {
	// Discovery tools are always callable.
	if path == "discover" || strings.HasPrefix(path, "catalog.") {
		return DecisionAllow, ""
	}

	var winner *models.AccessPolicy
	winnerScore := -1
	for _, p := range policies {
		if !applies(p, dctx, input) {
			continue
		}
		if !matchesResource(p, path, sourceKey) {
			continue
		}
		score := specificity(p, dctx)
		// Strict inequality keeps the earliest-created policy on ties;
		// ListPolicies returns creation order.
		if score > winnerScore {
			winner = p
			winnerScore = score
		}
	}

	if winner == nil {
		if approval == models.ApprovalRequired {
			return DecisionRequireApproval, ""
		}
		return DecisionAllow, ""
	}

	if winner.Effect == models.EffectDeny {
		return DecisionDeny, winner.ID
	}
	switch winner.ApprovalMode {
	case models.PolicyApprovalRequired:
		return DecisionRequireApproval, winner.ID
	case models.PolicyApprovalAuto:
		return DecisionAllow, winner.ID
	default: // inherit
		if approval == models.ApprovalRequired {
			return DecisionRequireApproval, winner.ID
		}
		return DecisionAllow, winner.ID
	}
}

// applies filters a policy by scope, actor, and argument conditions.
func applies(p *models.AccessPolicy, dctx Context, input map[string]any) bool {
	switch p.Scope {
	case models.PolicyScopeWorkspace:
		if p.WorkspaceID != dctx.WorkspaceID {
			return false
		}
	case models.PolicyScopeOrganization:
		if p.OrganizationID == "" || p.OrganizationID != dctx.OrganizationID {
			return false
		}
	case models.PolicyScopeAccount:
		if p.TargetAccountID == "" || p.TargetAccountID != dctx.AccountID {
			return false
		}
	default:
		return false
	}
	if p.TargetAccountID != "" && p.TargetAccountID != dctx.AccountID {
		return false
	}
	if p.ClientID != "" && p.ClientID != dctx.ClientID {
		return false
	}
	if len(p.ArgumentConditions) > 0 {
		if input == nil {
			return false
		}
		for _, cond := range p.ArgumentConditions {
			if !conditionMatches(cond, input) {
				return false
			}
		}
	}
	return true
}

func conditionMatches(cond models.ArgumentCondition, input map[string]any) bool {
	value, present := input[cond.Key]
	if !present {
		return false
	}
	got := fmt.Sprintf("%v", value)
	switch cond.Operator {
	case models.OpEquals:
		return got == fmt.Sprintf("%v", cond.Value)
	case models.OpNotEquals:
		return got != fmt.Sprintf("%v", cond.Value)
	case models.OpContains:
		return strings.Contains(got, fmt.Sprintf("%v", cond.Value))
	case models.OpStartsWith:
		return strings.HasPrefix(got, fmt.Sprintf("%v", cond.Value))
	case models.OpIn:
		list, ok := cond.Value.([]any)
		if !ok {
			return false
		}
		for _, candidate := range list {
			if got == fmt.Sprintf("%v", candidate) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchesResource(p *models.AccessPolicy, path, sourceKey string) bool {
	switch p.ResourceType {
	case models.ResourceAllTools:
		return true
	case models.ResourceSource:
		return matchPattern(p, sourceKey)
	case models.ResourceNamespace, models.ResourceToolPath:
		return matchPattern(p, path)
	default:
		return false
	}
}

func matchPattern(p *models.AccessPolicy, target string) bool {
	if p.MatchType == models.MatchGlob {
		return globMatch(p.Pattern, target)
	}
	return p.Pattern == target
}

// globMatch matches '*' wildcards against the whole target, dots included.
func globMatch(pattern, target string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == target
	}
	if !strings.HasPrefix(target, parts[0]) {
		return false
	}
	target = target[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(target, parts[i])
		if idx < 0 {
			return false
		}
		target = target[idx+len(parts[i]):]
	}
	return strings.HasSuffix(target, parts[len(parts)-1])
}

// specificity ranks a policy for conflict resolution. Higher wins.
func specificity(p *models.AccessPolicy, dctx Context) int {
	score := 0
	if p.TargetAccountID != "" && p.TargetAccountID == dctx.AccountID {
		score += 64
	}
	switch p.Scope {
	case models.PolicyScopeWorkspace:
		score += 16
	case models.PolicyScopeOrganization:
		score += 8
	}
	if p.ClientID != "" && p.ClientID == dctx.ClientID {
		score += 4
	}
	switch p.ResourceType {
	case models.ResourceToolPath:
		score += 24
	case models.ResourceNamespace:
		score += 18
	case models.ResourceSource:
		score += 12
	}
	if p.MatchType == models.MatchExact {
		score += 3
	}
	if len(p.ArgumentConditions) > 0 {
		score += 32
	}
	score += len(strings.ReplaceAll(p.Pattern, "*", ""))
	score += p.Priority
	return score
}
