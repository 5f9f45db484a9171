// Package sources adapts external tool sources into serialized tools and
// executes them. One loader per source kind; a shared Runner dispatches
// resolved tools by kind at invocation time.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/execplane/execplane/internal/mcp"
	"github.com/execplane/execplane/internal/registry"
	"github.com/execplane/execplane/pkg/models"
)

// RunContext carries the identity and resolved credential headers for one
// tool execution. Credential headers live only for the duration of the call.
type RunContext struct {
	TaskID      string
	CallID      string
	WorkspaceID string
	AccountID   string
	ClientID    string

	// CredentialHeaders are composed from the resolved credential record.
	CredentialHeaders map[string]string
}

// Runner executes serialized tools against their upstream systems.
type Runner struct {
	http   *http.Client
	logger *slog.Logger

	mu         sync.Mutex
	mcpClients map[string]*mcp.Client
}

// NewRunner creates a Runner with a shared HTTP client.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default().With("component", "tool_runner")
	}
	return &Runner{
		http:       &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		mcpClients: make(map[string]*mcp.Client),
	}
}

// Run executes one tool. System tools never reach the runner; the invocation
// pipeline fast-paths them.
func (r *Runner) Run(ctx context.Context, tool *models.SerializedTool, input map[string]any, rc RunContext) (json.RawMessage, error) {
	switch tool.Kind {
	case models.ToolKindOpenAPI:
		return r.runOpenAPI(ctx, tool, input, rc)
	case models.ToolKindGraphQLExecutor:
		return r.runGraphQLExecutor(ctx, tool, input, rc)
	case models.ToolKindGraphQLField:
		return r.runGraphQLField(ctx, tool, input, rc)
	case models.ToolKindMCP:
		return r.runMCP(ctx, tool, input)
	default:
		return nil, fmt.Errorf("tool %s: kind %q is not executable", tool.Path, tool.Kind)
	}
}

// mcpClientFor returns a cached MCP client for a server binding.
func (r *Runner) mcpClientFor(url string, headers map[string]string) *mcp.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.mcpClients[url]; ok {
		return client
	}
	client := mcp.NewClient(mcp.ClientConfig{URL: url, Headers: headers}, r.logger)
	r.mcpClients[url] = client
	return client
}

// Loaders returns the loader set for the registry builder, one per source
// kind.
func Loaders(logger *slog.Logger) map[models.SourceType]registry.Loader {
	if logger == nil {
		logger = slog.Default().With("component", "source_loader")
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return map[models.SourceType]registry.Loader{
		models.SourceTypeOpenAPI: &OpenAPILoader{http: httpClient, logger: logger},
		models.SourceTypeGraphQL: &GraphQLLoader{http: httpClient, logger: logger},
		models.SourceTypeMCP:     &MCPLoader{logger: logger},
	}
}

// configString reads a string value from a source config.
func configString(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

// configHeaders reads a header map from a source config.
func configHeaders(cfg map[string]any, key string) map[string]string {
	out := map[string]string{}
	raw, ok := cfg[key].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
