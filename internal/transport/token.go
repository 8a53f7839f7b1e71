package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSubject is returned when the access token carries no sub claim.
var ErrNoSubject = errors.New("token has no subject")

// Identity is what the client learns about itself from its access token.
// The signature is not checked here; the server does that on connect.
type Identity struct {
	UserID    string
	Name      string
	ExpiresAt time.Time
}

// Expired reports whether the token expiry is before now. Tokens without
// an exp claim never expire.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// ParseIdentity reads the claims of a bearer token without verifying it.
func ParseIdentity(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if sub == "" {
		return Identity{}, ErrNoSubject
	}
	id := Identity{UserID: sub}

	if name, ok := claims["name"].(string); ok {
		id.Name = name
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}
