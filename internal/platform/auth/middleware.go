package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const (
	// UserIDHeader is set by the edge proxy after it has authenticated the caller.
	// The API trusts it; the proxy strips any client-supplied value.
	UserIDHeader = "X-User-ID"
	// RolesHeader carries a comma-separated role list asserted by the edge proxy.
	RolesHeader = "X-User-Roles"

	maxHeaderValueLength = 128
)

// Logger is the minimal printf-style logger the middleware depends on.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder receives verification outcomes for monitoring.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, scheme string, success bool, reason string, duration time.Duration)
}

// RequireIdentity extracts the caller identity from the trusted edge headers and
// rejects requests that carry none.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := sanitizeHeaderValue(r.Header.Get(UserIDHeader))
		if userID == "" {
			respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "caller identity missing")
			return
		}

		identity := &Identity{
			UserID: userID,
			Roles:  parseRoles(r.Header.Get(RolesHeader)),
		}
		if len(identity.Roles) == 0 {
			identity.Roles = []string{RoleUser}
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireRole enforces that the authenticated identity holds one of the given roles.
// It must be mounted inside RequireIdentity.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "caller identity missing")
				return
			}
			if !identity.HasAnyRole(roles...) {
				respondAuthError(w, http.StatusForbidden, "forbidden", "caller lacks required role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseRoles(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	roles := make([]string, 0, len(parts))
	for _, part := range parts {
		role := normaliseRole(part)
		if role == "" {
			continue
		}
		roles = append(roles, role)
	}
	return roles
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func sanitizeHeaderValue(value string) string {
	value = strings.TrimSpace(value)
	if len(value) > maxHeaderValueLength {
		return ""
	}
	for _, r := range value {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return value
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
