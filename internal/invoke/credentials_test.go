package invoke

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/execplane/execplane/pkg/models"
)

func TestComposeCredentialHeaders(t *testing.T) {
	cases := []struct {
		name    string
		record  *models.CredentialRecord
		want    map[string]string
		wantErr bool
	}{
		{
			name: "bearer",
			record: &models.CredentialRecord{
				ID: "c1", AuthType: models.AuthTypeBearer,
				SecretJSON: json.RawMessage(`{"token":"t0k"}`),
			},
			want: map[string]string{"Authorization": "Bearer t0k"},
		},
		{
			name: "apiKey default header",
			record: &models.CredentialRecord{
				ID: "c2", AuthType: models.AuthTypeAPIKey,
				SecretJSON: json.RawMessage(`{"key":"k1"}`),
			},
			want: map[string]string{"X-Api-Key": "k1"},
		},
		{
			name: "apiKey custom header",
			record: &models.CredentialRecord{
				ID: "c3", AuthType: models.AuthTypeAPIKey,
				SecretJSON: json.RawMessage(`{"key":"k1","header":"X-Custom"}`),
			},
			want: map[string]string{"X-Custom": "k1"},
		},
		{
			name: "basic",
			record: &models.CredentialRecord{
				ID: "c4", AuthType: models.AuthTypeBasic,
				SecretJSON: json.RawMessage(`{"username":"u","password":"p"}`),
			},
			want: map[string]string{"Authorization": "Basic dTpw"},
		},
		{
			name: "extra headers override",
			record: &models.CredentialRecord{
				ID: "c5", AuthType: models.AuthTypeBearer,
				SecretJSON: json.RawMessage(`{"token":"t0k"}`),
				Headers:    map[string]string{"Authorization": "Bearer other", "X-Org": "acme"},
			},
			want: map[string]string{"Authorization": "Bearer other", "X-Org": "acme"},
		},
		{
			name:    "bearer missing token",
			record:  &models.CredentialRecord{ID: "c6", AuthType: models.AuthTypeBearer},
			wantErr: true,
		},
		{
			name:    "unsupported auth type",
			record:  &models.CredentialRecord{ID: "c7", AuthType: "oauth"},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ComposeCredentialHeaders(tc.record)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("compose: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Fatalf("header %s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestControlSignalsSurviveWrapping(t *testing.T) {
	var err error = &PendingError{ApprovalID: "ap-1"}
	err = fmt.Errorf("tool call failed: %w", err)
	pending, ok := AsPending(err)
	if !ok || pending.ApprovalID != "ap-1" {
		t.Fatalf("pending signal lost through wrapping: %v", err)
	}

	err = fmt.Errorf("outer: %w", &DeniedError{ToolPath: "admin.wipe", Reason: "nope"})
	denied, ok := AsDenied(err)
	if !ok || denied.Reason != "nope" {
		t.Fatalf("denied signal lost through wrapping: %v", err)
	}

	if _, ok := AsPending(errors.New("plain")); ok {
		t.Fatal("plain error decoded as pending")
	}
}
