// Package auth turns an opaque client credential into a verified Identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gliderlab/aiosgate/pkg/config"
)

// Identity is a verified end user. It is looked up fresh on every turn.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Reason classifies a verification failure.
type Reason string

const (
	ReasonMissing Reason = "missing"
	ReasonExpired Reason = "expired"
	ReasonInvalid Reason = "invalid"
)

// AuthError reports why a credential was not accepted. Missing and rejected
// credentials are distinct because they lead to different user remediation.
type AuthError struct {
	Reason Reason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Reason, e.Err)
	}
	return "auth " + string(e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UserMessage is the remediation text shown to the end user.
func (e *AuthError) UserMessage() string {
	switch e.Reason {
	case ReasonMissing:
		return "Authentication token is missing. Please log in again."
	case ReasonExpired:
		return "Your session has expired. Please log in again."
	default:
		return "Invalid authentication token. Please log in again."
	}
}

// ReasonOf extracts the Reason from err, or "" when err is not an AuthError.
func ReasonOf(err error) Reason {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

func missing() error { return &AuthError{Reason: ReasonMissing} }

func expired(err error) error { return &AuthError{Reason: ReasonExpired, Err: err} }

func invalid(err error) error { return &AuthError{Reason: ReasonInvalid, Err: err} }

// Verifier checks a credential. Implementations have no side effects beyond
// the provider call and are safe to retry; retry policy belongs to callers.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, credential string) (Identity, error)

func (f VerifierFunc) Verify(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// BearerToken extracts the token from an "Authorization: Bearer ..." value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Chain tries each verifier in order. A credential rejected as expired stops
// the chain; an invalid verdict falls through to the next verifier so a
// locally signed token and a provider token can coexist.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, credential string) (Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return Identity{}, missing()
	}
	if len(c) == 0 {
		return Identity{}, invalid(errors.New("no verifier configured"))
	}
	var last error
	for _, v := range c {
		id, err := v.Verify(ctx, credential)
		if err == nil {
			return id, nil
		}
		if ReasonOf(err) == ReasonExpired {
			return Identity{}, err
		}
		last = err
	}
	return Identity{}, last
}

// FromConfig builds the verifier chain described by cfg: a local HS256 check
// first (no network round trip), then the remote provider.
func FromConfig(cfg config.AuthConfig, client HTTPClient) (Verifier, error) {
	var chain Chain
	if cfg.JWTSecret != "" {
		chain = append(chain, NewHMACVerifier(cfg.JWTSecret, cfg.Audience, cfg.Leeway))
	}
	if cfg.RemoteURL != "" {
		chain = append(chain, NewRemoteVerifier(cfg.RemoteURL, cfg.RemoteAPIKey, client))
	}
	if len(chain) == 0 {
		return nil, errors.New("auth: neither jwt_secret nor remote_url is configured")
	}
	return chain, nil
}
