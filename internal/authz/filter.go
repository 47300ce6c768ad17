package authz

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const principalContextKey contextKey = "authz.principal"

// DecisionObserver receives every authorization outcome for C9 metrics
// reporting. Optional on Filter.
type DecisionObserver interface {
	ObserveAuthDecision(decision, reason string)
}

// Filter implements C5: given the route's (ms, resource, action?) and
// the request, decide whether the call may proceed. scopeCheck is the
// router's IsPublic — kept as a function value so this package has no
// import-time dependency on the routing package.
type Filter struct {
	Verifier   *Verifier
	ScopeCheck func(ms, resource, action string) bool
	Observer   DecisionObserver
}

// Authorize runs steps 2-3 of §4.5: public routes pass through
// untouched; private routes require a valid bearer token. On success
// the principal (with flattened role claims) is attached to the
// returned context.
func (f *Filter) Authorize(ctx context.Context, r *http.Request, ms, resource, action string) (context.Context, bool) {
	if f.ScopeCheck(ms, resource, action) {
		f.observe("allowed", "public")
		return ctx, true
	}
	token := bearerToken(r)
	if token == "" {
		f.observe("denied", "unauthenticated")
		return ctx, false
	}
	principal, raw, err := f.Verifier.Verify(ctx, token)
	if err != nil {
		f.observe("denied", "invalid_token")
		return ctx, false
	}
	principal.Roles = FlattenKeycloakRoles(principal.Roles, raw)
	f.observe("allowed", "authenticated")
	return context.WithValue(ctx, principalContextKey, principal), true
}

func (f *Filter) observe(decision, reason string) {
	if f.Observer != nil {
		f.Observer.ObserveAuthDecision(decision, reason)
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// PrincipalFromContext retrieves the authenticated principal attached
// by Authorize, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
