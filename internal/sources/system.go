package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/execplane/execplane/internal/registry"
	"github.com/execplane/execplane/pkg/models"
)

// SystemToolPaths lists the built-in tool paths handled in process. They are
// resolved before the workspace registry and never gated on approval.
var SystemToolPaths = map[string]bool{
	"discover":           true,
	"catalog.namespaces": true,
	"catalog.tools":      true,
}

// SystemToolOrder is the catalog display order of the built-ins.
var SystemToolOrder = []string{"discover", "catalog.namespaces", "catalog.tools"}

// IsSystemTool reports whether a path is a built-in.
func IsSystemTool(path string) bool {
	return SystemToolPaths[path]
}

// SystemTool returns the serialized descriptor for a built-in path.
func SystemTool(path string) *models.SerializedTool {
	switch path {
	case "discover":
		return &models.SerializedTool{
			Path:        "discover",
			Namespace:   "discover",
			Description: "Explore available tools, optionally within one namespace",
			Kind:        models.ToolKindSystem,
			SourceKey:   "system",
			Approval:    models.ApprovalAuto,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"namespace":{"type":"string"},"search":{"type":"string"}}}`),
		}
	case "catalog.namespaces":
		return &models.SerializedTool{
			Path:        "catalog.namespaces",
			Namespace:   "catalog",
			Description: "List tool namespaces with counts",
			Kind:        models.ToolKindSystem,
			SourceKey:   "system",
			Approval:    models.ApprovalAuto,
		}
	case "catalog.tools":
		return &models.SerializedTool{
			Path:        "catalog.tools",
			Namespace:   "catalog",
			Description: "List tool descriptors, optionally within one namespace",
			Kind:        models.ToolKindSystem,
			SourceKey:   "system",
			Approval:    models.ApprovalAuto,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"namespace":{"type":"string"}}}`),
		}
	default:
		return nil
	}
}

// ToolSummary is the discovery view of one catalog entry.
type ToolSummary struct {
	Path          string `json:"path"`
	Description   string `json:"description,omitempty"`
	Approval      string `json:"approval"`
	DisplayInput  string `json:"displayInput,omitempty"`
	DisplayOutput string `json:"displayOutput,omitempty"`
	SourceKey     string `json:"sourceKey"`
}

// RunSystemTool executes a built-in against the workspace's current registry.
func RunSystemTool(ctx context.Context, resolver *registry.Resolver, workspaceID, path string, input map[string]any) (json.RawMessage, error) {
	switch path {
	case "discover", "catalog.tools":
		namespace, _ := input["namespace"].(string)
		search, _ := input["search"].(string)
		entries, _, err := resolver.ListTools(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		var out []ToolSummary
		for _, entry := range entries {
			if namespace != "" && entry.Namespace != namespace {
				continue
			}
			if search != "" && !matchesSearch(entry, search) {
				continue
			}
			out = append(out, ToolSummary{
				Path:          entry.Path,
				Description:   entry.Description,
				Approval:      string(entry.Approval),
				DisplayInput:  entry.DisplayInput,
				DisplayOutput: entry.DisplayOutput,
				SourceKey:     entry.SourceKey,
			})
		}
		return json.Marshal(map[string]any{"tools": out, "count": len(out)})

	case "catalog.namespaces":
		namespaces, err := resolver.ListNamespaces(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		type nsView struct {
			Namespace string `json:"namespace"`
			SourceKey string `json:"sourceKey"`
			ToolCount int    `json:"toolCount"`
		}
		out := make([]nsView, 0, len(namespaces))
		for _, ns := range namespaces {
			out = append(out, nsView{Namespace: ns.Namespace, SourceKey: ns.SourceKey, ToolCount: ns.ToolCount})
		}
		return json.Marshal(map[string]any{"namespaces": out})

	default:
		return nil, fmt.Errorf("unknown system tool %q", path)
	}
}

func matchesSearch(entry *models.RegistryEntry, search string) bool {
	needle := strings.ToLower(search)
	return strings.Contains(strings.ToLower(entry.Path), needle) ||
		strings.Contains(strings.ToLower(entry.Description), needle)
}
