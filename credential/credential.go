// Package credential holds the bearer credential and its persisted cache record.
package credential

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is a bearer token together with its declared expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

func (c Credential) IsZero() bool {
	return c.Token == ""
}

// Expired reports whether the credential is unusable at now. A zero credential is always expired.
func (c Credential) Expired(now time.Time) bool {
	return c.IsZero() || c.ExpiresAt.IsZero() || !now.Before(c.ExpiresAt)
}

// WithDefaultExpiry fills in a missing expiry, preferring the token's own exp claim and
// falling back to now+ttl.
func (c Credential) WithDefaultExpiry(now time.Time, ttl time.Duration) Credential {
	if !c.ExpiresAt.IsZero() || c.IsZero() {
		return c
	}
	if claims, ok := Peek(c.Token); ok && !claims.ExpiresAt.IsZero() {
		c.ExpiresAt = claims.ExpiresAt
		return c
	}
	c.ExpiresAt = now.Add(ttl)
	return c
}

// Claims are the parts of a JWT credential the client looks at without verifying it.
type Claims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
}

// Peek reads the claims of a JWT without checking its signature. Signature checks
// belong to the backend; the client only needs to know whose token it holds.
// ok is false for opaque (non-JWT) tokens.
func Peek(rawToken string) (Claims, bool) {
	if strings.Count(rawToken, ".") != 2 {
		return Claims{}, false
	}
	token, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return Claims{}, false
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, false
	}

	var claims Claims
	claims.Subject, _ = mc.GetSubject()
	claims.Email, _ = mc["email"].(string)
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, true
}

// BelongsTo reports whether the credential could have been issued to subjectID.
// Opaque tokens cannot be attributed and are accepted.
func (c Credential) BelongsTo(subjectID string) bool {
	claims, ok := Peek(c.Token)
	if !ok || claims.Subject == "" {
		return true
	}
	return claims.Subject == subjectID
}
