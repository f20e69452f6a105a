package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type jwtClaims struct {
	Sub   string          `json:"sub"`
	Email string          `json:"email"`
	Exp   int64           `json:"exp"`
	Nbf   int64           `json:"nbf"`
	Aud   json.RawMessage `json:"aud"`
}

// HMACVerifier validates HS256 tokens signed with a shared secret, the
// format issued by Supabase-style auth providers.
type HMACVerifier struct {
	secret   []byte
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewHMACVerifier returns a verifier for secret. audience may be empty.
func NewHMACVerifier(secret, audience string, leeway time.Duration) *HMACVerifier {
	return &HMACVerifier{
		secret:   []byte(secret),
		audience: audience,
		leeway:   leeway,
		now:      time.Now,
	}
}

func (v *HMACVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	token := strings.TrimSpace(credential)
	if token == "" {
		return Identity{}, missing()
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, invalid(errors.New("malformed token"))
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Identity{}, invalid(fmt.Errorf("decode header: %w", err))
	}
	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Identity{}, invalid(fmt.Errorf("decode payload: %w", err))
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Identity{}, invalid(fmt.Errorf("decode signature: %w", err))
	}

	var header jwtHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Identity{}, invalid(fmt.Errorf("parse header: %w", err))
	}
	if header.Alg != "HS256" {
		return Identity{}, invalid(fmt.Errorf("unsupported alg %q", header.Alg))
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return Identity{}, invalid(errors.New("signature mismatch"))
	}

	var claims jwtClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Identity{}, invalid(fmt.Errorf("parse claims: %w", err))
	}
	now := v.now()
	if claims.Exp != 0 && now.After(time.Unix(claims.Exp, 0).Add(v.leeway)) {
		return Identity{}, expired(fmt.Errorf("token expired at %s", time.Unix(claims.Exp, 0).UTC().Format(time.RFC3339)))
	}
	if claims.Nbf != 0 && now.Add(v.leeway).Before(time.Unix(claims.Nbf, 0)) {
		return Identity{}, invalid(errors.New("token not yet valid"))
	}
	if v.audience != "" && !audienceMatches(claims.Aud, v.audience) {
		return Identity{}, invalid(errors.New("audience mismatch"))
	}
	if claims.Sub == "" {
		return Identity{}, invalid(errors.New("missing sub claim"))
	}
	return Identity{ID: claims.Sub, Email: claims.Email}, nil
}

// aud may be a single string or an array of strings.
func audienceMatches(raw json.RawMessage, want string) bool {
	if len(raw) == 0 {
		return false
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single == want
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		for _, a := range many {
			if a == want {
				return true
			}
		}
	}
	return false
}

// SignHS256 issues a token for claims. Used by tests and the chatctl client
// for local development against a shared secret.
func SignHS256(secret string, claims map[string]any) (string, error) {
	header, err := json.Marshal(jwtHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
