package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/execplane/execplane/pkg/models"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := requireQuery(w, r, "workspaceId")
	if !ok {
		return
	}
	var statusFilter *models.ApprovalStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.ApprovalStatus(raw)
		switch status {
		case models.ApprovalStatusPending, models.ApprovalStatusApproved, models.ApprovalStatusDenied:
			statusFilter = &status
		default:
			writeError(w, http.StatusBadRequest, "status must be pending, approved, or denied")
			return
		}
	}
	list, err := s.repo.Approvals.ListApprovals(r.Context(), workspaceID, statusFilter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string `json:"workspaceId"`
		Decision    string `json:"decision"`
		ReviewerID  string `json:"reviewerId"`
		Reason      string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}
	decision := models.ApprovalStatus(body.Decision)
	if decision != models.ApprovalStatusApproved && decision != models.ApprovalStatusDenied {
		writeError(w, http.StatusBadRequest, "decision must be approved or denied")
		return
	}

	resolved, err := s.approvals.Resolve(r.Context(), body.WorkspaceID, r.PathValue("id"), decision, body.ReviewerID, body.Reason)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if s.metrics != nil && resolved != nil {
		s.metrics.ApprovalsResolved.WithLabelValues(string(decision)).Inc()
	}
	// A nil approval means it was no longer pending; resolution is one-shot.
	writeJSON(w, http.StatusOK, map[string]any{"approval": resolved})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := requireQuery(w, r, "workspaceId")
	if !ok {
		return
	}
	list, err := s.repo.Policies.ListPolicies(r.Context(), workspaceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": list})
}

func (s *Server) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	var policy models.AccessPolicy
	if !decodeJSON(w, r, &policy) {
		return
	}
	if policy.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}
	switch policy.Effect {
	case models.EffectAllow, models.EffectDeny:
	default:
		writeError(w, http.StatusBadRequest, "effect must be allow or deny")
		return
	}
	switch policy.ResourceType {
	case models.ResourceAllTools, models.ResourceSource, models.ResourceNamespace, models.ResourceToolPath:
	default:
		writeError(w, http.StatusBadRequest, "resource_type must be all_tools, source, namespace, or tool_path")
		return
	}
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now()
	}
	if err := s.repo.Policies.UpsertPolicy(r.Context(), &policy); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, policy)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := requireQuery(w, r, "workspaceId")
	if !ok {
		return
	}
	list, err := s.repo.Credentials.ListCredentials(r.Context(), workspaceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]map[string]any, len(list))
	for i, record := range list {
		out[i] = record.Redacted()
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

func (s *Server) handleUpsertCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID          string            `json:"id"`
		Scope       string            `json:"scope"`
		WorkspaceID string            `json:"workspaceId"`
		AccountID   string            `json:"accountId"`
		SourceKey   string            `json:"sourceKey"`
		AuthType    string            `json:"authType"`
		SecretJSON  map[string]any    `json:"secretJson"`
		Headers     map[string]string `json:"headers"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}
	if body.SourceKey == "" || !strings.Contains(body.SourceKey, ":") {
		writeError(w, http.StatusBadRequest, "sourceKey must be \"{kind}:{name}\"")
		return
	}
	switch models.AuthType(body.AuthType) {
	case models.AuthTypeBearer, models.AuthTypeAPIKey, models.AuthTypeBasic:
	default:
		writeError(w, http.StatusBadRequest, "authType must be bearer, apiKey, or basic")
		return
	}
	scope := models.CredentialScope(body.Scope)
	if scope == "" {
		scope = models.CredentialScopeWorkspace
	}
	if scope == models.CredentialScopeAccount && body.AccountID == "" {
		writeError(w, http.StatusBadRequest, "accountId is required for account-scoped credentials")
		return
	}

	record := &models.CredentialRecord{
		ID:          body.ID,
		Scope:       scope,
		WorkspaceID: body.WorkspaceID,
		AccountID:   body.AccountID,
		SourceKey:   body.SourceKey,
		AuthType:    models.AuthType(body.AuthType),
		Headers:     body.Headers,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if len(body.SecretJSON) > 0 {
		data, err := json.Marshal(body.SecretJSON)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed secretJson")
			return
		}
		record.SecretJSON = data
	}
	if err := s.repo.Credentials.UpsertCredential(r.Context(), record); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record.Redacted())
}
