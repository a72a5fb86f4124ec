package server

import (
	"context"
	"net/http"
	"strings"
)

// DefaultIdentityHeader is where the fronting proxy puts the verified caller.
const DefaultIdentityHeader = "X-Authenticated-User"

type actorKey struct{}

// IdentityMiddleware copies the caller identity asserted by the fronting
// proxy into the request context. Identity is trusted as given; requests
// without one proceed as anonymous.
func IdentityMiddleware(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultIdentityHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := strings.TrimSpace(r.Header.Get(header))
			if actor == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), actorKey{}, actor)
			AddLogField(ctx, "actor", actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetActor returns the caller identity, or "" for anonymous requests.
func GetActor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return actor
	}
	return ""
}
