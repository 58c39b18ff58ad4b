package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
)

// ErrInvalidToken is returned for any token that fails verification.
// Connections are refused before they ever join a session.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified user behind a token.
type Identity struct {
	UserID      string
	DisplayName string
}

type claims struct {
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed access tokens. Verified identities are
// cached for a short TTL so reconnect storms do not re-parse every token.
type Verifier struct {
	secret []byte
	cache  *gocache.Cache
}

func NewVerifier(secret string, cacheTTL time.Duration) *Verifier {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Verifier{
		secret: []byte(secret),
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// Verify resolves a token to an identity, or ErrInvalidToken.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	if cached, ok := v.cache.Get(token); ok {
		return cached.(Identity), nil
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	id := Identity{UserID: c.Subject, DisplayName: c.DisplayName}
	v.cache.SetDefault(token, id)
	return id, nil
}

// Issue signs a token for the given identity. Used by tests and local
// tooling; production deployments verify tokens minted elsewhere.
func (v *Verifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}
