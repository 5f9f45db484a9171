package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/execplane/execplane/internal/mcp"
	"github.com/execplane/execplane/pkg/models"
)

// MCPBinding is the invocation payload for an mcp_tool.
type MCPBinding struct {
	URL           string            `json:"url"`
	StaticHeaders map[string]string `json:"static_headers,omitempty"`
	ToolName      string            `json:"tool_name"`
}

// MCPLoader lists a remote MCP server's tools into the catalog.
type MCPLoader struct {
	logger *slog.Logger
}

// Load connects to the server and emits one tool per advertised entry. MCP
// tools default to required approval since the server controls their side
// effects.
func (l *MCPLoader) Load(ctx context.Context, source *models.ToolSource) ([]*models.SerializedTool, []string, error) {
	endpoint := configString(source.Config, "url")
	if endpoint == "" {
		return nil, nil, fmt.Errorf("source config needs url")
	}
	staticHeaders := configHeaders(source.Config, "headers")

	client := mcp.NewClient(mcp.ClientConfig{URL: endpoint, Headers: staticHeaders}, l.logger)
	descriptors, err := client.ListTools(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}

	sourceSeg := models.SanitizePathSegment(source.Name)
	var (
		tools    []*models.SerializedTool
		warnings []string
	)
	for _, desc := range descriptors {
		spec, err := json.Marshal(MCPBinding{
			URL:           endpoint,
			StaticHeaders: staticHeaders,
			ToolName:      desc.Name,
		})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", desc.Name, err))
			continue
		}
		tools = append(tools, &models.SerializedTool{
			Path:        fmt.Sprintf("%s.%s", sourceSeg, models.SanitizePathSegment(desc.Name)),
			Namespace:   sourceSeg,
			Description: desc.Description,
			Kind:        models.ToolKindMCP,
			SourceKey:   source.Key(),
			Approval:    models.ApprovalRequired,
			InputSchema: desc.InputSchema,
			Spec:        spec,
		})
	}
	return tools, warnings, nil
}

// runMCP forwards to the remote server's tools/call.
func (r *Runner) runMCP(ctx context.Context, tool *models.SerializedTool, input map[string]any) (json.RawMessage, error) {
	var binding MCPBinding
	if err := json.Unmarshal(tool.Spec, &binding); err != nil {
		return nil, fmt.Errorf("tool %s: decode spec: %w", tool.Path, err)
	}
	client := r.mcpClientFor(binding.URL, binding.StaticHeaders)
	result, err := client.CallTool(ctx, binding.ToolName, input)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Path, err)
	}
	return result, nil
}
