package models

import (
	"encoding/json"
	"time"
)

// CredentialScope is the tenancy level a credential record applies at.
type CredentialScope string

const (
	CredentialScopeAccount   CredentialScope = "account"
	CredentialScopeWorkspace CredentialScope = "workspace"
)

// AuthType selects how a credential secret is composed into headers.
type AuthType string

const (
	// AuthTypeBearer sends "Authorization: Bearer <token>".
	AuthTypeBearer AuthType = "bearer"

	// AuthTypeAPIKey sends the secret under a configurable header name.
	AuthTypeAPIKey AuthType = "apiKey"

	// AuthTypeBasic sends "Authorization: Basic <base64(user:pass)>".
	AuthTypeBasic AuthType = "basic"
)

// CredentialRecord binds a secret to a source key at workspace or account
// scope. SecretJSON never appears on any response surface; callers expose
// only a hasSecret boolean. The decoded secret lives in memory only for the
// duration of a single tool invocation.
type CredentialRecord struct {
	ID string `json:"id"`

	// Scope is workspace or account.
	Scope CredentialScope `json:"scope"`

	// WorkspaceID scopes the record to a tenant.
	WorkspaceID string `json:"workspace_id"`

	// AccountID is set for account-scoped records.
	AccountID string `json:"account_id,omitempty"`

	// SourceKey is the "{kind}:{name}" key the credential applies to.
	SourceKey string `json:"source_key"`

	// AuthType selects header composition.
	AuthType AuthType `json:"auth_type"`

	// SecretJSON is the opaque secret payload, e.g. {"token":"..."} or
	// {"username":"...","password":"..."} or {"key":"...","header":"X-Api-Key"}.
	SecretJSON json.RawMessage `json:"-"`

	// Headers are extra headers appended after the composed auth header.
	Headers map[string]string `json:"headers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Redacted returns the record shaped for API responses: the secret payload is
// replaced by a hasSecret flag.
func (c *CredentialRecord) Redacted() map[string]any {
	return map[string]any{
		"id":           c.ID,
		"scope":        c.Scope,
		"workspace_id": c.WorkspaceID,
		"account_id":   c.AccountID,
		"source_key":   c.SourceKey,
		"auth_type":    c.AuthType,
		"headers":      c.Headers,
		"has_secret":   len(c.SecretJSON) > 0,
		"created_at":   c.CreatedAt,
		"updated_at":   c.UpdatedAt,
	}
}
