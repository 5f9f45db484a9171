package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/execplane/execplane/internal/storage"
	"github.com/execplane/execplane/pkg/models"
)

// defaultTimeoutMs bounds task runtime when the caller does not set one.
const defaultTimeoutMs = 30000

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string         `json:"workspaceId"`
		AccountID   string         `json:"accountId"`
		ClientID    string         `json:"clientId"`
		Code        string         `json:"code"`
		RuntimeID   string         `json:"runtimeId"`
		TimeoutMs   int            `json:"timeoutMs"`
		Metadata    map[string]any `json:"metadata"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if body.RuntimeID == "" {
		body.RuntimeID = s.runtimes.DefaultID()
	}
	if body.TimeoutMs <= 0 {
		body.TimeoutMs = defaultTimeoutMs
	}

	task := &models.Task{
		ID:          uuid.NewString(),
		WorkspaceID: body.WorkspaceID,
		AccountID:   body.AccountID,
		ClientID:    body.ClientID,
		Code:        body.Code,
		RuntimeID:   body.RuntimeID,
		TimeoutMs:   body.TimeoutMs,
		Metadata:    body.Metadata,
		Status:      models.TaskStatusQueued,
		CreatedAt:   time.Now(),
	}
	if err := s.repo.Tasks.CreateTask(r.Context(), task); err != nil {
		writeStoreError(w, err)
		return
	}
	s.journal.Emit(r.Context(), task.ID, "task.queued", storage.Payload("status", string(models.TaskStatusQueued)))
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := requireQuery(w, r, "workspaceId")
	if !ok {
		return
	}
	opts := storage.ListTasksOptions{Limit: 50}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.TaskStatus(raw)
		opts.Status = &status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	tasks, err := s.repo.Tasks.ListTasks(r.Context(), workspaceID, opts)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.repo.Tasks.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// sseKeepaliveInterval paces the comment frames that hold idle streams open.
const sseKeepaliveInterval = 15 * time.Second

// ssePollInterval paces the store re-reads that cover events written by
// other processes.
const ssePollInterval = 2 * time.Second

// handleTaskEvents replays the journal then streams live events until the
// task reaches a terminal state or the client disconnects.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := s.repo.Tasks.GetTask(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var afterSeq int64
	if raw := r.URL.Query().Get("afterSeq"); raw != "" {
		afterSeq, _ = strconv.ParseInt(raw, 10, 64)
	} else if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		afterSeq, _ = strconv.ParseInt(raw, 10, 64)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replay so no event falls between the two.
	live, cancel := s.journal.Hub().Subscribe(taskID)
	defer cancel()

	lastSeq := afterSeq
	replay, err := s.repo.Events.ListEvents(r.Context(), taskID, afterSeq)
	if err != nil {
		s.logger.Error("event replay", "task_id", taskID, "error", err)
		return
	}
	terminal := false
	for _, ev := range replay {
		writeSSE(w, ev)
		lastSeq = ev.Seq
		if isTerminalEvent(ev) {
			terminal = true
		}
	}
	flusher.Flush()
	if terminal || task.IsTerminal() {
		// The replay already carried everything there is.
		return
	}

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	// Events written by another process never reach the local hub, so the
	// store is re-read on an interval as well.
	poll := time.NewTicker(ssePollInterval)
	defer poll.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-poll.C:
			missed, err := s.repo.Events.ListEvents(r.Context(), taskID, lastSeq)
			if err != nil {
				continue
			}
			terminal := false
			for _, ev := range missed {
				writeSSE(w, ev)
				lastSeq = ev.Seq
				if isTerminalEvent(ev) {
					terminal = true
				}
			}
			if len(missed) > 0 {
				flusher.Flush()
			}
			if terminal {
				return
			}
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			writeSSE(w, &ev)
			lastSeq = ev.Seq
			flusher.Flush()
			if isTerminalEvent(&ev) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev *models.TaskEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
}

func isTerminalEvent(ev *models.TaskEvent) bool {
	status, ok := strings.CutPrefix(ev.Type, "task.")
	if !ok {
		return false
	}
	return models.IsTerminalStatus(models.TaskStatus(status))
}
