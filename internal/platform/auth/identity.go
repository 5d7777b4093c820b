package auth

import (
	"context"
	"strings"
)

// Role constants used throughout the API when checking authorisation boundaries.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity captures the caller details asserted by the trusted edge proxy.
type Identity struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the identity includes the requested role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity includes any of the provided roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

type contextKey string

const identityContextKey contextKey = "github.com/oakline/market-api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// UserIDFromContext is a convenience accessor for the authenticated user ID.
func UserIDFromContext(ctx context.Context) string {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return ""
	}
	return identity.UserID
}
