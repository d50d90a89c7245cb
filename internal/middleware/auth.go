package middleware

import (
	"context"
	"net/http"

	"github.com/mmuslimabdulj/shipper-chat/internal/auth"
)

type contextKey string

const identityKey contextKey = "identity"

// RequireAuth rejects requests without a valid auth cookie and attaches the
// verified identity to the request context.
func RequireAuth(tokens *auth.TokenService, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := tokens.TokenFromRequest(r)
		if token == "" {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		identity, err := tokens.Verify(token)
		if err != nil {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	}
}

// WithIdentity stores a verified identity on the context.
func WithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the verified identity attached by RequireAuth, or nil.
func IdentityFrom(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityKey).(*auth.Identity)
	return id
}
