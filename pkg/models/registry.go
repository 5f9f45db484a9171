package models

import "time"

// RegistryBuildState is the per-workspace registry state machine value.
type RegistryBuildState string

const (
	// RegistryStateReady means ReadyBuildID serves reads.
	RegistryStateReady RegistryBuildState = "ready"

	// RegistryStateBuilding means a build claim is in flight.
	RegistryStateBuilding RegistryBuildState = "building"

	// RegistryStateStale means the signature no longer matches the sources.
	RegistryStateStale RegistryBuildState = "stale"

	// RegistryStateFailed means the last build failed and no prior build exists.
	RegistryStateFailed RegistryBuildState = "failed"
)

// SourceBuildState records the per-source outcome of a registry build.
type SourceBuildState struct {
	SourceKey string `json:"source_key"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// RegistryState is the per-workspace tool registry metadata. Reads are valid
// only while Signature matches the signature derived from the currently
// enabled sources.
type RegistryState struct {
	WorkspaceID string `json:"workspace_id"`

	// Signature hashes the enabled sources' identity and updatedAt.
	Signature string `json:"signature"`

	// ReadyBuildID is the build currently serving reads, if any.
	ReadyBuildID string `json:"ready_build_id,omitempty"`

	// BuildingBuildID is the claimed in-flight build, if any.
	BuildingBuildID string `json:"building_build_id,omitempty"`

	// BuildingStartedAt drives the abandoned-build staleness heuristic.
	BuildingStartedAt *time.Time `json:"building_started_at,omitempty"`

	// SourceStates holds per-source build outcomes of the ready build.
	SourceStates []SourceBuildState `json:"source_states,omitempty"`

	// Warnings collects human-readable loader warnings of the ready build.
	Warnings []string `json:"warnings,omitempty"`

	// ToolCount is the total tool count of the ready build.
	ToolCount int `json:"tool_count"`

	UpdatedAt time.Time `json:"updated_at"`
}

// State derives the state machine value for an expected signature.
func (r *RegistryState) State(expectedSignature string) RegistryBuildState {
	switch {
	case r.BuildingBuildID != "":
		return RegistryStateBuilding
	case r.ReadyBuildID == "":
		return RegistryStateFailed
	case r.Signature != expectedSignature:
		return RegistryStateStale
	default:
		return RegistryStateReady
	}
}

// RegistryEntry is one tool row of a registry build. (WorkspaceID, BuildID,
// Path) is unique; entries of abandoned builds are pruned once a newer build
// commits.
type RegistryEntry struct {
	WorkspaceID string `json:"workspace_id"`
	BuildID     string `json:"build_id"`

	// Path is the canonical dotted tool path.
	Path string `json:"path"`

	// PreferredPath is the prettified lookup-preferred form.
	PreferredPath string `json:"preferred_path,omitempty"`

	// Aliases are alternate spellings accepted at resolution time.
	Aliases []string `json:"aliases,omitempty"`

	// Namespace is the first path segment.
	Namespace string `json:"namespace"`

	// NormalizedPath is the lowercased, separator-stripped fuzzy-lookup key.
	NormalizedPath string `json:"normalized_path"`

	Description string       `json:"description,omitempty"`
	Approval    ApprovalMode `json:"approval"`
	SourceKey   string       `json:"source_key"`

	DisplayInput  string   `json:"display_input,omitempty"`
	DisplayOutput string   `json:"display_output,omitempty"`
	RequiredInput []string `json:"required_input,omitempty"`

	// Tool is the serialized tool payload used at invocation time.
	Tool *SerializedTool `json:"tool,omitempty"`
}

// NamespaceSummary aggregates a build's tools per namespace for discovery.
type NamespaceSummary struct {
	WorkspaceID string `json:"workspace_id"`
	BuildID     string `json:"build_id"`
	Namespace   string `json:"namespace"`
	SourceKey   string `json:"source_key"`
	ToolCount   int    `json:"tool_count"`
}
