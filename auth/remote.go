package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient is the subset of *http.Client the remote verifier needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteVerifier asks the auth provider who owns a token
// (GET {base}/auth/v1/user, the Supabase user endpoint).
type RemoteVerifier struct {
	baseURL string
	apiKey  string
	client  HTTPClient
}

// NewRemoteVerifier returns a verifier for the provider at baseURL.
func NewRemoteVerifier(baseURL, apiKey string, client HTTPClient) *RemoteVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

type remoteUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type remoteError struct {
	Message string `json:"msg"`
	Error   string `json:"error_description"`
	Code    any    `json:"code"`
}

// Verify returns an *AuthError when the provider rejects the token. Transport
// failures are returned as plain errors: the credential was never judged.
func (v *RemoteVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	token := strings.TrimSpace(credential)
	if token == "" {
		return Identity{}, missing()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if v.apiKey != "" {
		req.Header.Set("apikey", v.apiKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("auth provider unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Identity{}, fmt.Errorf("read auth response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var user remoteUser
		if err := json.Unmarshal(body, &user); err != nil {
			return Identity{}, fmt.Errorf("decode auth response: %w", err)
		}
		if user.ID == "" {
			return Identity{}, invalid(errors.New("provider returned no user"))
		}
		return Identity{ID: user.ID, Email: user.Email}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		var perr remoteError
		_ = json.Unmarshal(body, &perr)
		detail := strings.ToLower(perr.Message + " " + perr.Error + " " + string(body))
		if strings.Contains(detail, "expired") {
			return Identity{}, expired(fmt.Errorf("provider: %s", strings.TrimSpace(perr.Message)))
		}
		return Identity{}, invalid(fmt.Errorf("provider rejected token (%d)", resp.StatusCode))
	default:
		return Identity{}, fmt.Errorf("auth provider returned %d", resp.StatusCode)
	}
}
