// Package token is the sole source of authentication truth: a persistent
// mapping from opaque bearer strings to principals, scopes, and expiry.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Class distinguishes how a token was issued. It is a stored column, never
// derived from the token string itself.
type Class string

const (
	ClassHumanIssued Class = "humanIssued"
	ClassAgentIssued Class = "agentIssued"
)

// ErrNotFound is returned when no row matches the presented token.
var ErrNotFound = errors.New("token not found")

// Token is one authentication record.
type Token struct {
	Token        string    `json:"token"`
	Class        Class     `json:"class"`
	Principal    string    `json:"principal"`
	Scopes       []string  `json:"scopes"`
	ExpiresAt    time.Time `json:"expiresAt"`
	CreatedAt    time.Time `json:"createdAt"`
	AnalyticsRef string    `json:"analyticsRef,omitempty"`
}

// Expired reports whether the token has passively expired.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// HasScope reports whether the token grants the named scope.
func (t *Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Missing returns the required scopes the token lacks, preserving the
// operation's declaration order.
func (t *Token) Missing(required []string) []string {
	var missing []string
	for _, s := range required {
		if !t.HasScope(s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// Store persists tokens. Creation happens in external auth endpoints or the
// operator CLI; the dispatcher only looks tokens up.
type Store interface {
	Lookup(ctx context.Context, token string) (*Token, error)
	Insert(ctx context.Context, t *Token) error
	Delete(ctx context.Context, token string) error
	List(ctx context.Context) ([]*Token, error)
}

// FromAuthorizationHeader extracts the opaque bearer from an Authorization
// header value. The scheme match is case-insensitive; the separator is a
// single space; the trailing token must be non-empty.
func FromAuthorizationHeader(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid Authorization header format (expected 'Bearer <token>')")
	}
	if parts[1] == "" || strings.Contains(parts[1], " ") {
		return "", errors.New("invalid bearer token")
	}
	return parts[1], nil
}

// Mint produces a fresh opaque token string. The class prefix is cosmetic:
// policy decisions always read the stored class column.
func Mint(class Class) string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	prefix := "oc_h_"
	if class == ClassAgentIssued {
		prefix = "oc_a_"
	}
	return prefix + hex.EncodeToString(buf)
}
