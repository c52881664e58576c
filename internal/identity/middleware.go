package identity

import (
	"context"
	"net/http"

	"identity-server/internal/token"
)

type contextKey string

const claimsContextKey contextKey = "identity.claims"

// ClaimsFromContext returns the access claims resolved by RequireAuth.
func ClaimsFromContext(ctx context.Context) (token.AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(token.AccessClaims)
	return claims, ok
}

// RequireAuth verifies the bearer access token once at the boundary and
// threads the resulting claims through the request context. Downstream
// handlers receive an explicit identity value, never re-parse the header.
func RequireAuth(codec *token.Codec, handler *Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				handler.writeError(w, ErrTokenMissing)
				return
			}
			claims, err := codec.VerifyAccess(raw)
			if err != nil {
				handler.writeError(w, translateTokenError(err))
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
