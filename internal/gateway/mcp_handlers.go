package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/execplane/execplane/internal/storage"
	"github.com/execplane/execplane/pkg/models"
)

// mcpProtocolVersion is the MCP revision this endpoint speaks.
const mcpProtocolVersion = "2025-03-26"

// mcpResultTimeout bounds how long run_code waits for a terminal task state.
const mcpResultTimeout = 15 * time.Minute

type mcpRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeMCPResult(w http.ResponseWriter, id json.RawMessage, result any) {
	writeJSON(w, http.StatusOK, map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeMCPError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(w, http.StatusOK, map[string]any{"jsonrpc": "2.0", "id": id, "error": mcpError{Code: code, Message: message}})
}

// handleMCP serves the MCP JSON-RPC surface: initialize, tools/list, and a
// single tools/call tool named run_code that creates a task and waits for its
// terminal state.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req mcpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	switch req.Method {
	case "initialize":
		writeMCPResult(w, req.ID, map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "execplane", "version": "1.0"},
		})
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	case "tools/list":
		writeMCPResult(w, req.ID, map[string]any{"tools": []map[string]any{{
			"name":        "run_code",
			"description": "Run a TypeScript/JavaScript snippet with access to the workspace tool catalog",
			"inputSchema": json.RawMessage(`{
				"type": "object",
				"properties": {
					"code": {"type": "string"},
					"runtimeId": {"type": "string"},
					"timeoutMs": {"type": "integer"}
				},
				"required": ["code"]
			}`),
		}}})
	case "tools/call":
		s.handleMCPToolCall(w, r, req)
	case "ping":
		writeMCPResult(w, req.ID, map[string]any{})
	default:
		writeMCPError(w, req.ID, -32601, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (s *Server) handleMCPToolCall(w http.ResponseWriter, r *http.Request, req mcpRequest) {
	var params struct {
		Name      string `json:"name"`
		Arguments struct {
			Code      string `json:"code"`
			RuntimeID string `json:"runtimeId"`
			TimeoutMs int    `json:"timeoutMs"`
		} `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeMCPError(w, req.ID, -32602, "malformed params")
			return
		}
	}
	if params.Name != "run_code" {
		writeMCPError(w, req.ID, -32602, fmt.Sprintf("unknown tool %q", params.Name))
		return
	}
	if params.Arguments.Code == "" {
		writeMCPError(w, req.ID, -32602, "code is required")
		return
	}

	workspaceID, accountID, err := s.mcpIdentity(r)
	if err != nil {
		writeMCPError(w, req.ID, -32602, err.Error())
		return
	}

	runtimeID := params.Arguments.RuntimeID
	if runtimeID == "" {
		runtimeID = s.runtimes.DefaultID()
	}
	timeoutMs := params.Arguments.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	task := &models.Task{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		AccountID:   accountID,
		ClientID:    r.URL.Query().Get("clientId"),
		Code:        params.Arguments.Code,
		RuntimeID:   runtimeID,
		TimeoutMs:   timeoutMs,
		Status:      models.TaskStatusQueued,
		CreatedAt:   time.Now(),
	}
	if err := s.repo.Tasks.CreateTask(r.Context(), task); err != nil {
		writeMCPError(w, req.ID, -32603, err.Error())
		return
	}
	s.journal.Emit(r.Context(), task.ID, "task.queued", storage.Payload("status", string(models.TaskStatusQueued)))

	final, err := s.waitForTask(r.Context(), task.ID, mcpResultTimeout)
	if err != nil {
		writeMCPError(w, req.ID, -32603, err.Error())
		return
	}

	summary := map[string]any{
		"taskId":   final.ID,
		"status":   string(final.Status),
		"exitCode": final.ExitCode,
	}
	if len(final.Result) > 0 {
		summary["result"] = json.RawMessage(final.Result)
	}
	if final.Error != "" {
		summary["error"] = final.Error
	}
	text, _ := json.Marshal(summary)
	writeMCPResult(w, req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
		"isError": final.Status != models.TaskStatusCompleted,
	})
}

// mcpIdentity binds the request to a workspace/account pair from query
// parameters, bootstrapping a session when only a sessionId is supplied.
func (s *Server) mcpIdentity(r *http.Request) (workspaceID, accountID string, err error) {
	q := r.URL.Query()
	workspaceID = q.Get("workspaceId")
	accountID = q.Get("actorId")
	if workspaceID != "" {
		return workspaceID, accountID, nil
	}
	if sessionID := q.Get("sessionId"); sessionID != "" {
		return s.repo.Sessions.BootstrapSession(r.Context(), sessionID)
	}
	return "", "", fmt.Errorf("workspaceId or sessionId is required")
}

// waitForTask blocks until the task reaches a terminal state. Live events cut
// the wait short; a poll covers events missed around subscription.
func (s *Server) waitForTask(ctx context.Context, taskID string, timeout time.Duration) (*models.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	live, unsubscribe := s.journal.Hub().Subscribe(taskID)
	defer unsubscribe()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		task, err := s.repo.Tasks.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for task %s", taskID)
		case <-ticker.C:
		case <-live:
		}
	}
}

// handleMCPSession answers session-level GET/DELETE on /mcp. Sessions are
// stateless here; a DELETE simply acknowledges.
func (s *Server) handleMCPSession(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, http.StatusMethodNotAllowed, "SSE sessions are not supported; POST JSON-RPC requests to /mcp")
}
