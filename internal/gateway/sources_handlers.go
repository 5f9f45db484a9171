package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/execplane/execplane/pkg/models"
)

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := requireQuery(w, r, "workspaceId")
	if !ok {
		return
	}
	list, err := s.repo.Sources.ListSources(r.Context(), workspaceID, false)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": list})
}

func (s *Server) handleUpsertSource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID          string         `json:"id"`
		WorkspaceID string         `json:"workspaceId"`
		Name        string         `json:"name"`
		Type        string         `json:"type"`
		Config      map[string]any `json:"config"`
		Enabled     *bool          `json:"enabled"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	switch models.SourceType(body.Type) {
	case models.SourceTypeOpenAPI, models.SourceTypeGraphQL, models.SourceTypeMCP:
	default:
		writeError(w, http.StatusBadRequest, "type must be openapi, graphql, or mcp")
		return
	}

	source := &models.ToolSource{
		ID:          body.ID,
		WorkspaceID: body.WorkspaceID,
		Name:        body.Name,
		Type:        models.SourceType(body.Type),
		Config:      body.Config,
		Enabled:     body.Enabled == nil || *body.Enabled,
	}
	if source.ID == "" {
		source.ID = uuid.NewString()
	}
	if err := s.repo.Sources.UpsertSource(r.Context(), source); err != nil {
		writeStoreError(w, err)
		return
	}
	s.queueRebuild(source.WorkspaceID)
	writeJSON(w, http.StatusCreated, source)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	source, err := s.repo.Sources.GetSource(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.repo.Sources.DeleteSource(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.queueRebuild(source.WorkspaceID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// seedSources registers the configured seed sources in a workspace, skipping
// names that already exist so repeated bootstraps stay idempotent.
func (s *Server) seedSources(ctx context.Context, workspaceID string) error {
	if len(s.config.SeedSources) == 0 {
		return nil
	}
	existing, err := s.repo.Sources.ListSources(ctx, workspaceID, true)
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(existing))
	for _, src := range existing {
		names[src.Name] = true
	}

	created := false
	for _, seed := range s.config.SeedSources {
		if seed.Name == "" || names[seed.Name] {
			continue
		}
		source := &models.ToolSource{
			ID:          uuid.NewString(),
			WorkspaceID: workspaceID,
			Name:        seed.Name,
			Type:        models.SourceType(seed.Type),
			Config:      seed.Config,
			Enabled:     seed.Enabled,
		}
		if err := s.repo.Sources.UpsertSource(ctx, source); err != nil {
			return err
		}
		created = true
	}
	if created {
		s.queueRebuild(workspaceID)
	}
	return nil
}

// queueRebuild kicks an asynchronous registry rebuild after a source change.
func (s *Server) queueRebuild(workspaceID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.builder.Rebuild(ctx, workspaceID); err != nil {
			s.logger.Error("registry rebuild", "workspace_id", workspaceID, "error", err)
		}
	}()
}
