package models

import "time"

// PolicyScope is the tenancy level an access policy applies at.
type PolicyScope string

const (
	// PolicyScopeAccount scopes the policy to a single account.
	PolicyScopeAccount PolicyScope = "account"

	// PolicyScopeOrganization scopes the policy to an organization.
	PolicyScopeOrganization PolicyScope = "organization"

	// PolicyScopeWorkspace scopes the policy to a workspace.
	PolicyScopeWorkspace PolicyScope = "workspace"
)

// ResourceType selects what a policy's pattern matches against.
type ResourceType string

const (
	// ResourceAllTools matches every tool.
	ResourceAllTools ResourceType = "all_tools"

	// ResourceSource matches the tool's source key.
	ResourceSource ResourceType = "source"

	// ResourceNamespace matches the tool path at namespace granularity.
	ResourceNamespace ResourceType = "namespace"

	// ResourceToolPath matches the full tool path.
	ResourceToolPath ResourceType = "tool_path"
)

// PolicyEffect is the outcome a matching policy imposes.
type PolicyEffect string

const (
	// EffectAllow permits the call, subject to the approval mode.
	EffectAllow PolicyEffect = "allow"

	// EffectDeny rejects the call outright.
	EffectDeny PolicyEffect = "deny"
)

// PolicyApprovalMode overrides or inherits the tool's approval default.
type PolicyApprovalMode string

const (
	// PolicyApprovalInherit keeps the tool's own approval mode.
	PolicyApprovalInherit PolicyApprovalMode = "inherit"

	// PolicyApprovalAuto suppresses the approval gate.
	PolicyApprovalAuto PolicyApprovalMode = "auto"

	// PolicyApprovalRequired forces the approval gate.
	PolicyApprovalRequired PolicyApprovalMode = "required"
)

// MatchType controls pattern interpretation.
type MatchType string

const (
	// MatchExact requires an exact string match.
	MatchExact MatchType = "exact"

	// MatchGlob interprets '*' wildcards in the pattern.
	MatchGlob MatchType = "glob"
)

// ConditionOperator compares a policy argument condition against tool input.
type ConditionOperator string

const (
	OpEquals     ConditionOperator = "equals"
	OpNotEquals  ConditionOperator = "not_equals"
	OpContains   ConditionOperator = "contains"
	OpStartsWith ConditionOperator = "starts_with"
	OpIn         ConditionOperator = "in"
)

// ArgumentCondition constrains a policy to calls whose input matches.
type ArgumentCondition struct {
	// Key is the top-level input key to inspect.
	Key string `json:"key"`

	// Operator is the comparison to apply.
	Operator ConditionOperator `json:"operator"`

	// Value is the comparand. For OpIn it is a list.
	Value any `json:"value"`
}

// AccessPolicy is an administrator-authored rule deciding whether a tool call
// is allowed, denied, or gated on approval. Policies are read at decision
// time; no compiled form is cached across mutations.
type AccessPolicy struct {
	ID string `json:"id"`

	// Scope is the tenancy level the policy applies at.
	Scope PolicyScope `json:"scope"`

	// WorkspaceID scopes workspace policies; also set for listing on
	// account/organization policies created within a workspace.
	WorkspaceID string `json:"workspace_id,omitempty"`

	// OrganizationID scopes organization policies.
	OrganizationID string `json:"organization_id,omitempty"`

	// TargetAccountID, if set, restricts the policy to one account.
	TargetAccountID string `json:"target_account_id,omitempty"`

	// ClientID, if set, restricts the policy to one client.
	ClientID string `json:"client_id,omitempty"`

	// ResourceType selects the match target.
	ResourceType ResourceType `json:"resource_type"`

	// Pattern is the exact string or glob matched against the target.
	Pattern string `json:"pattern,omitempty"`

	// MatchType selects exact or glob interpretation of Pattern.
	MatchType MatchType `json:"match_type,omitempty"`

	// Effect is allow or deny.
	Effect PolicyEffect `json:"effect"`

	// ApprovalMode overrides the tool's approval default for allowed calls.
	ApprovalMode PolicyApprovalMode `json:"approval_mode,omitempty"`

	// ArgumentConditions restrict the policy to matching inputs. A policy
	// with conditions never matches a call without input.
	ArgumentConditions []ArgumentCondition `json:"argument_conditions,omitempty"`

	// Priority is added to the specificity score.
	Priority int `json:"priority"`

	CreatedAt time.Time `json:"created_at"`
}
