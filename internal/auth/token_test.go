package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fixer-dispatch/internal/models"
)

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	s := NewSigner("secret", func() time.Time { return now })

	tok, err := s.Issue("user-1", models.PartyUser, time.Hour)
	require.NoError(t, err)

	c, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.Subject)
	assert.Equal(t, models.PartyUser, c.Role)
	assert.Equal(t, now.Add(time.Hour), c.ExpiresAt)
}

func TestVerifyRejects(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	clock := now
	s := NewSigner("secret", func() time.Time { return clock })
	tok, err := s.Issue("fixer-1", models.PartyFixer, time.Minute)
	require.NoError(t, err)

	other := NewSigner("other", func() time.Time { return clock })
	payload, _, _ := strings.Cut(tok, ".")

	tests := []struct {
		name  string
		token string
		v     *Signer
	}{
		{"empty", "", s},
		{"no signature", payload, s},
		{"wrong secret", tok, other},
		{"tampered", "x" + tok, s},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.v.Verify(tt.token)
			assert.True(t, errors.Is(err, models.ErrUnauthorized))
		})
	}

	clock = now.Add(time.Minute)
	_, err = s.Verify(tok)
	assert.True(t, errors.Is(err, models.ErrUnauthorized))
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	assert.Equal(t, "q", FromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", FromRequest(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", FromRequest(r))
}

func TestClaimsContext(t *testing.T) {
	assert.Equal(t, "", PartyID(context.Background()))
	ctx := WithClaims(context.Background(), Claims{Subject: "user-9"})
	assert.Equal(t, "user-9", PartyID(ctx))
}
