package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"busgateway/internal/authz"
)

// IdempotencyCache is the slice of cache.Cache the pipeline needs to
// deduplicate retried mutating calls. Grounded on the teacher's own
// scopedIdempotencyKey/Cache.SetNX replay guard: a client retrying a
// Create or custom action with the same Idempotency-Key header gets
// back the first attempt's reply instead of a second bus RPC.
type IdempotencyCache interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

const (
	idempotencyHeader  = "Idempotency-Key"
	idempotencyLockTTL = 30 * time.Second
)

func defaultIdempotencyTTL() time.Duration { return time.Hour }

// idempotencyKey scopes the header value to the authenticated subject
// (or "anon") and the route, mirroring the teacher's tenant/actor
// scoping so two callers can never collide on the same raw key.
func idempotencyKey(ctx context.Context, ms, resource, action, raw string) string {
	subject := "anon"
	if p, ok := authz.PrincipalFromContext(ctx); ok && p.Subject != "" {
		subject = strings.ToLower(p.Subject)
	}
	return "idempotency:" + subject + ":" + ms + ":" + resource + ":" + action + ":" + raw
}

// checkIdempotency returns a cached reply to replay verbatim, or
// claims the key for this attempt. conflict is true when another
// in-flight attempt already holds the lock.
func (s *Server) checkIdempotency(ctx context.Context, key string) (reply []byte, replay bool, conflict bool) {
	if cached, err := s.Cache.Get(ctx, key); err == nil && cached != "" {
		return []byte(cached), true, false
	}
	claimed, err := s.Cache.SetNX(ctx, key+":lock", "1", idempotencyLockTTL)
	if err != nil {
		return nil, false, false
	}
	return nil, false, !claimed
}

func (s *Server) storeIdempotentReply(ctx context.Context, key string, reply []byte) {
	ttl := s.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL()
	}
	_ = s.Cache.Set(ctx, key, string(reply), ttl)
}

func writeIdempotencyConflict(w http.ResponseWriter, r *http.Request) {
	traceID := traceIDFromRequest(r)
	writeError(w, http.StatusConflict, "duplicate_request", "a request with this idempotency key is already in flight", traceID)
}
