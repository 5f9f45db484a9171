// Package sandbox implements the control-plane side of the sandbox bridge
// protocol: authenticated internal endpoints a remote sandbox process uses to
// invoke tools and stream output, plus the terminal result-line parser.
package sandbox

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/execplane/execplane/internal/runtime"
)

// Bridge routes sandbox callbacks to the adapter of the run they belong to.
// Runs are registered for the duration of one runtime dispatch.
type Bridge struct {
	token  string
	logger *slog.Logger

	mu   sync.RWMutex
	runs map[string]runtime.Adapter
}

// NewBridge creates a Bridge authenticated by a shared internal token.
func NewBridge(token string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default().With("component", "sandbox_bridge")
	}
	return &Bridge{token: token, logger: logger, runs: make(map[string]runtime.Adapter)}
}

// RegisterRun exposes an adapter under a run id and returns its release func.
func (b *Bridge) RegisterRun(runID string, adapter runtime.Adapter) func() {
	b.mu.Lock()
	b.runs[runID] = adapter
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.runs, runID)
		b.mu.Unlock()
	}
}

func (b *Bridge) adapterFor(runID string) (runtime.Adapter, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	adapter, ok := b.runs[runID]
	return adapter, ok
}

// Routes mounts the bridge endpoints on a mux.
func (b *Bridge) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /internal/runs/{id}/tool-call", b.requireToken(b.handleToolCall))
	mux.HandleFunc("POST /internal/runs/{id}/output", b.requireToken(b.handleOutput))
}

func (b *Bridge) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || b.token == "" || token != b.token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// handleToolCall runs one tool call on behalf of the sandbox and returns the
// tagged result union. Control signals are part of the payload, never an HTTP
// error.
func (b *Bridge) handleToolCall(w http.ResponseWriter, r *http.Request) {
	adapter, ok := b.adapterFor(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown run"})
		return
	}
	var req runtime.ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}
	if req.CallID == "" || req.ToolPath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "callId and toolPath are required"})
		return
	}
	result := adapter.InvokeTool(r.Context(), req)
	writeJSON(w, http.StatusOK, result)
}

func (b *Bridge) handleOutput(w http.ResponseWriter, r *http.Request) {
	adapter, ok := b.adapterFor(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown run"})
		return
	}
	var event runtime.OutputEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	adapter.EmitOutput(r.Context(), event)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
