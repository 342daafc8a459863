package server

import (
	"context"
	"net/http"

	"github.com/grantflow/intake/internal/auth"
	"github.com/grantflow/intake/internal/domain"
)

// identityKey identifies the authenticated caller in a request context.
type identityKey struct{}

// AuthMiddleware validates the bearer token and injects the caller's
// identity into the request context. Unauthenticated requests get a 401.
func AuthMiddleware(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.ExtractToken(r)
			if err != nil {
				writeError(w, r, err)
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeError(w, r, domain.ErrAuthentication("Invalid or missing credentials."))
				return
			}

			AddLogField(r.Context(), "subject", identity.Subject)
			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity retrieves the authenticated caller from context.
// Returns nil if the auth middleware did not run.
func GetIdentity(ctx context.Context) *auth.Identity {
	if id, ok := ctx.Value(identityKey{}).(*auth.Identity); ok {
		return id
	}
	return nil
}
