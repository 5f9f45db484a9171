package gateway

import (
	"net/http"

	"github.com/execplane/execplane/internal/policy"
	"github.com/execplane/execplane/internal/sources"
	"github.com/execplane/execplane/pkg/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"baseToolCount": len(sources.SystemToolPaths),
	})
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	// An empty body is a valid anonymous bootstrap.
	if r.ContentLength > 0 && !decodeJSON(w, r, &body) {
		return
	}
	workspaceID, accountID, err := s.repo.Sessions.BootstrapSession(r.Context(), body.SessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.seedSources(r.Context(), workspaceID); err != nil {
		s.logger.Warn("seed sources", "workspace_id", workspaceID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workspaceId": workspaceID,
		"accountId":   accountID,
	})
}

func (s *Server) handleRuntimeTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"targets": s.runtimes.Targets()})
}

// toolDescriptor is the catalog shape returned by /api/tools.
type toolDescriptor struct {
	Path          string   `json:"path"`
	PreferredPath string   `json:"preferredPath,omitempty"`
	Namespace     string   `json:"namespace"`
	Description   string   `json:"description,omitempty"`
	Approval      string   `json:"approval"`
	SourceKey     string   `json:"sourceKey"`
	DisplayInput  string   `json:"displayInput,omitempty"`
	RequiredInput []string `json:"requiredInput,omitempty"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := requireQuery(w, r, "workspaceId")
	if !ok {
		return
	}
	dctx := policy.Context{
		WorkspaceID: workspaceID,
		AccountID:   r.URL.Query().Get("actorId"),
		ClientID:    r.URL.Query().Get("clientId"),
	}

	entries, state, err := s.resolver.ListTools(r.Context(), workspaceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	policies, err := s.repo.Policies.ListPolicies(r.Context(), workspaceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := make([]toolDescriptor, 0, len(entries)+len(sources.SystemToolPaths))
	for _, path := range sources.SystemToolOrder {
		tool := sources.SystemTool(path)
		out = append(out, toolDescriptor{
			Path:        tool.Path,
			Namespace:   tool.Namespace,
			Description: tool.Description,
			Approval:    string(models.ApprovalAuto),
			SourceKey:   tool.SourceKey,
		})
	}
	for _, entry := range entries {
		if entry.Tool == nil {
			continue
		}
		outcome := policy.Decide(entry.Tool, dctx, policies, nil)
		if outcome.Decision == policy.DecisionDeny {
			continue
		}
		approval := string(models.ApprovalAuto)
		if outcome.Decision == policy.DecisionRequireApproval {
			approval = string(models.ApprovalRequired)
		}
		out = append(out, toolDescriptor{
			Path:          entry.Path,
			PreferredPath: entry.PreferredPath,
			Namespace:     entry.Namespace,
			Description:   entry.Description,
			Approval:      approval,
			SourceKey:     entry.SourceKey,
			DisplayInput:  entry.DisplayInput,
			RequiredInput: entry.RequiredInput,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tools":     out,
		"buildId":   state.ReadyBuildID,
		"signature": state.Signature,
	})
}
