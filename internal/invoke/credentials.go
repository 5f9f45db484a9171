package invoke

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/execplane/execplane/pkg/models"
)

// credentialSecret is the decoded shape of CredentialRecord.SecretJSON.
type credentialSecret struct {
	Token    string `json:"token,omitempty"`
	Key      string `json:"key,omitempty"`
	Header   string `json:"header,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ComposeCredentialHeaders turns a credential record into request headers.
// The composed auth header comes first; the record's extra headers are
// appended after and may override it.
func ComposeCredentialHeaders(record *models.CredentialRecord) (map[string]string, error) {
	var secret credentialSecret
	if len(record.SecretJSON) > 0 {
		if err := json.Unmarshal(record.SecretJSON, &secret); err != nil {
			return nil, fmt.Errorf("decode credential secret: %w", err)
		}
	}

	headers := map[string]string{}
	switch record.AuthType {
	case models.AuthTypeBearer:
		if secret.Token == "" {
			return nil, fmt.Errorf("bearer credential %s has no token", record.ID)
		}
		headers["Authorization"] = "Bearer " + secret.Token
	case models.AuthTypeAPIKey:
		value := secret.Key
		if value == "" {
			value = secret.Token
		}
		if value == "" {
			return nil, fmt.Errorf("apiKey credential %s has no key", record.ID)
		}
		name := secret.Header
		if name == "" {
			name = "X-Api-Key"
		}
		headers[name] = value
	case models.AuthTypeBasic:
		if secret.Username == "" {
			return nil, fmt.Errorf("basic credential %s has no username", record.ID)
		}
		pair := secret.Username + ":" + secret.Password
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(pair))
	default:
		return nil, fmt.Errorf("credential %s: unsupported auth type %q", record.ID, record.AuthType)
	}

	for k, v := range record.Headers {
		headers[k] = v
	}
	return headers, nil
}
