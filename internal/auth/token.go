// Package auth issues and verifies the bearer credentials parties present
// on REST calls and on the notification channel.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/fixer-dispatch/internal/models"
)

// Claims identify one party. Role is informational; job-level roles are
// decided by the job record.
type Claims struct {
	Subject   string       `json:"sub"`
	Role      models.Party `json:"role,omitempty"`
	ExpiresAt time.Time    `json:"exp"`
}

// Verifier checks a raw token.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// Signer signs and verifies compact HMAC-SHA256 tokens of the form
// base64url(claims) "." base64url(mac).
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{secret: []byte(secret), now: now}
}

// Issue returns a token for subject valid for ttl.
func (s *Signer) Issue(subject string, role models.Party, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", models.NewValidationError("subject", "missing")
	}
	body, err := json.Marshal(Claims{Subject: subject, Role: role, ExpiresAt: s.now().Add(ttl).UTC()})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return payload + "." + base64.RawURLEncoding.EncodeToString(s.mac(payload)), nil
}

func (s *Signer) Verify(token string) (Claims, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" {
		return Claims{}, fmt.Errorf("malformed token: %w", models.ErrUnauthorized)
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, s.mac(payload)) {
		return Claims{}, fmt.Errorf("bad signature: %w", models.ErrUnauthorized)
	}
	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, fmt.Errorf("malformed token: %w", models.ErrUnauthorized)
	}
	var c Claims
	if err := json.Unmarshal(body, &c); err != nil || c.Subject == "" {
		return Claims{}, fmt.Errorf("malformed claims: %w", models.ErrUnauthorized)
	}
	if !s.now().Before(c.ExpiresAt) {
		return Claims{}, fmt.Errorf("token expired: %w", models.ErrUnauthorized)
	}
	return c, nil
}

func (s *Signer) mac(payload string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return h.Sum(nil)
}

// FromRequest extracts the bearer token from the Authorization header or,
// for websocket upgrades where browsers cannot set headers, the token query
// parameter.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(tok)
	}
	return r.URL.Query().Get("token")
}

type contextKey string

const claimsKey contextKey = "auth_claims"

func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey).(Claims)
	return c, ok
}

// PartyID returns the authenticated subject, or "" when unauthenticated.
func PartyID(ctx context.Context) string {
	c, _ := ClaimsFrom(ctx)
	return c.Subject
}
