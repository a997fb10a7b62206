// Package middleware adapts engine token validation to net/http. The
// guards read the Authorization header, validate the bearer token through
// the engine, and inject the claims into the request context. They make no
// authentication decisions of their own.
package middleware

import (
	"context"
	"net/http"
	"strings"

	authkit "github.com/cwhitfield/authkit"
	"github.com/cwhitfield/authkit/token"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the validated access-token claims injected by
// [Guard].
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims, ok
}

// Guard rejects requests that do not carry a valid bearer access token.
// Validated claims are available to the wrapped handler via
// [ClaimsFromContext].
func Guard(engine *authkit.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := engine.Validate(raw)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole is [Guard] plus a role check against the token's role claims.
// Missing roles yield 403, not 401.
func RequireRole(engine *authkit.Engine, role string) func(http.Handler) http.Handler {
	guard := Guard(engine)
	return func(next http.Handler) http.Handler {
		return guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok || !hasRole(claims.Roles, role) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func hasRole(roles []string, want string) bool {
	for _, role := range roles {
		if role == want {
			return true
		}
	}
	return false
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	raw := value[len(bearer):]
	if raw == "" {
		return "", false
	}
	return raw, true
}
