package auth

import (
	"context"
	"slices"
	"time"
)

// Claims is the caller identity attached to authenticated requests.
type Claims struct {
	Subject string   `json:"sub"`
	Name    string   `json:"name,omitempty"`
	Email   string   `json:"email,omitempty"`
	Groups  []string `json:"groups,omitempty"`
	Roles   []string `json:"roles,omitempty"`

	Issuer   string    `json:"-"`
	Expiry   time.Time `json:"-"`
	IssuedAt time.Time `json:"-"`
}

func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// HasAnyRole reports whether the caller holds one of roles. An empty list
// is satisfied by anyone.
func (c *Claims) HasAnyRole(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	return slices.ContainsFunc(roles, c.HasRole)
}

// IsExpired reports whether the token is past its expiry. Tokens without one
// never expire.
func (c *Claims) IsExpired() bool {
	return !c.Expiry.IsZero() && time.Now().After(c.Expiry)
}

type claimsKey struct{}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the caller identity, or nil for anonymous
// requests.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}

// Subject returns the caller's subject, or "anonymous".
func Subject(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil && c.Subject != "" {
		return c.Subject
	}
	return "anonymous"
}
