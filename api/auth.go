package api

import (
	"context"
	"net/http"
	"strings"

	"goa.design/clue/log"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/identity"
)

type ctxKey int

const principalKey ctxKey = iota

// withPrincipal stores the authenticated principal on the context.
func withPrincipal(ctx context.Context, p identity.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// principalFrom returns the authenticated principal, or nil outside the
// authenticated route tree.
func principalFrom(ctx context.Context) identity.Principal {
	p, _ := ctx.Value(principalKey).(identity.Principal)
	return p
}

// authenticate verifies the bearer token and stores the principal on the
// request context. Requests without a valid token never reach a handler.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.verifier.Verify(bearerToken(r))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		ctx := withPrincipal(r.Context(), p)
		ctx = log.With(ctx, log.KV{K: "principal", V: p.Name()})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require guards a route behind any of the given permissions.
func (a *API) require(permissions ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())
			if p == nil {
				a.fail(w, r, orchestrator.ErrUnauthenticated)
				return
			}
			for _, permission := range permissions {
				if p.Can(permission) {
					next.ServeHTTP(w, r)
					return
				}
			}
			a.fail(w, r, orchestrator.ErrPermissionDenied)
		})
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
