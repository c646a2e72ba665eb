package results

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GrantSigner mints the short-lived auth grants carried in location.auth
// when a completed result is externalized to object storage. The grant lets
// the collaborator layer authorize the fetch without a second token lookup.
type GrantSigner struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// grantClaims binds a grant to one requestId and one result URI.
type grantClaims struct {
	jwt.RegisteredClaims
	URI string `json:"uri"`
}

const grantAudience = "opencall-result"

// NewGrantSigner creates a signer with the given HMAC secret and grant ttl.
func NewGrantSigner(secret []byte, ttl time.Duration) *GrantSigner {
	return &GrantSigner{secret: secret, ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (g *GrantSigner) WithClock(clock func() time.Time) *GrantSigner {
	g.clock = clock
	return g
}

// Sign mints a grant for one externalized result.
func (g *GrantSigner) Sign(requestID, uri string) (string, error) {
	now := g.clock().UTC()
	claims := &grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   requestID,
			Audience:  jwt.ClaimStrings{grantAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
		URI: uri,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign result grant: %w", err)
	}
	return signed, nil
}

// Verify validates a grant and returns the requestId and URI it covers.
func (g *GrantSigner) Verify(grant string) (requestID, uri string, err error) {
	claims := &grantClaims{}
	token, err := jwt.ParseWithClaims(grant, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithAudience(grantAudience), jwt.WithTimeFunc(func() time.Time { return g.clock() }))
	if err != nil {
		return "", "", fmt.Errorf("grant validation failed: %w", err)
	}
	if !token.Valid {
		return "", "", errors.New("invalid grant")
	}
	return claims.Subject, claims.URI, nil
}
