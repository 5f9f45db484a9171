package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// SourceType identifies the kind of an external tool source.
type SourceType string

const (
	// SourceTypeOpenAPI is a REST endpoint described by an OpenAPI document.
	SourceTypeOpenAPI SourceType = "openapi"

	// SourceTypeGraphQL is a GraphQL endpoint discovered via introspection.
	SourceTypeGraphQL SourceType = "graphql"

	// SourceTypeMCP is a Model Context Protocol server.
	SourceTypeMCP SourceType = "mcp"
)

// ToolSource is a workspace-scoped definition of an external tool source.
type ToolSource struct {
	// ID is the unique source identifier.
	ID string `json:"id"`

	// WorkspaceID scopes the source to a tenant.
	WorkspaceID string `json:"workspace_id"`

	// Name is the sanitized namespace prefix for the source's tools.
	Name string `json:"name"`

	// Type is the source kind.
	Type SourceType `json:"type"`

	// Config is the free-form source configuration (URL, spec, auth profile).
	Config map[string]any `json:"config"`

	// Enabled controls whether the source participates in registry builds.
	Enabled bool `json:"enabled"`

	// SpecHash fingerprints the spec-bearing config, derived on upsert.
	SpecHash string `json:"spec_hash,omitempty"`

	// AuthFingerprint fingerprints the auth-bearing config, derived on upsert.
	AuthFingerprint string `json:"auth_fingerprint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the source key "{kind}:{name}", e.g. "openapi:github". Source
// keys scope policies and credential lookups.
func (s *ToolSource) Key() string {
	return fmt.Sprintf("%s:%s", s.Type, s.Name)
}

// DeriveFingerprints recomputes SpecHash and AuthFingerprint from Config.
// Called on every upsert so registry signatures observe config changes.
func (s *ToolSource) DeriveFingerprints() {
	s.SpecHash = hashConfigKeys(s.Config, "url", "spec", "spec_url", "endpoint")
	s.AuthFingerprint = hashConfigKeys(s.Config, "auth", "headers", "auth_profile")
}

func hashConfigKeys(cfg map[string]any, keys ...string) string {
	if len(cfg) == 0 {
		return ""
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		v, ok := cfg[k]
		if !ok {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		fmt.Fprintf(h, "%s=%s;", k, raw)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// SanitizePathSegment lowercases a name and collapses non-alphanumeric runs
// into single underscores so it can serve as a dotted-path segment. Both
// source loaders and the policy engine's synthesized GraphQL paths use it.
func SanitizePathSegment(name string) string {
	var b []rune
	lastUnderscore := true
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b = append(b, r)
			lastUnderscore = false
		case r >= 'A' && r <= 'Z':
			b = append(b, r+('a'-'A'))
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b = append(b, '_')
				lastUnderscore = true
			}
		}
	}
	for len(b) > 0 && b[len(b)-1] == '_' {
		b = b[:len(b)-1]
	}
	return string(b)
}

// ApprovalMode is a tool's default approval requirement.
type ApprovalMode string

const (
	// ApprovalAuto lets the tool run without human review.
	ApprovalAuto ApprovalMode = "auto"

	// ApprovalRequired gates the tool behind a human approval.
	ApprovalRequired ApprovalMode = "required"
)

// ToolKind distinguishes how a serialized tool executes.
type ToolKind string

const (
	// ToolKindOpenAPI executes an HTTP operation from an OpenAPI document.
	ToolKindOpenAPI ToolKind = "openapi_operation"

	// ToolKindGraphQLExecutor POSTs a caller-supplied query to the endpoint.
	ToolKindGraphQLExecutor ToolKind = "graphql_executor"

	// ToolKindGraphQLField is an inert per-field pseudo-tool. Invoking one
	// rewrites the call into the source's executor with a synthesized query.
	ToolKindGraphQLField ToolKind = "graphql_field"

	// ToolKindMCP forwards to a tool on a remote MCP server.
	ToolKindMCP ToolKind = "mcp_tool"

	// ToolKindSystem is an in-process tool (discover, catalog.*).
	ToolKindSystem ToolKind = "system"
)

// SerializedTool is the uniform tool record all source loaders produce.
type SerializedTool struct {
	// Path is the canonical dotted tool path.
	Path string `json:"path"`

	// PreferredPath is the prettified path shown in catalogs.
	PreferredPath string `json:"preferred_path,omitempty"`

	// Namespace is the first path segment.
	Namespace string `json:"namespace"`

	// Description summarizes the tool for discovery.
	Description string `json:"description,omitempty"`

	// Kind selects the executor for this tool.
	Kind ToolKind `json:"kind"`

	// SourceKey identifies the originating source ("{kind}:{name}").
	SourceKey string `json:"source_key"`

	// Approval is the tool's default approval mode.
	Approval ApprovalMode `json:"approval"`

	// InputSchema is the JSON Schema of the tool input.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// DisplayInput is a human-readable input hint. Loaders may mark a
	// derived hint lossy by leaving this empty.
	DisplayInput string `json:"display_input,omitempty"`

	// DisplayOutput is a human-readable output hint.
	DisplayOutput string `json:"display_output,omitempty"`

	// RequiredInput lists input keys the tool requires.
	RequiredInput []string `json:"required_input,omitempty"`

	// RequiresCredential marks tools that need a credential record at
	// invocation time.
	RequiresCredential bool `json:"requires_credential,omitempty"`

	// Spec is the kind-specific invocation payload (HTTP operation details,
	// GraphQL field binding, MCP server binding).
	Spec json.RawMessage `json:"spec,omitempty"`
}
