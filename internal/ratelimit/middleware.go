package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// Notifier receives a key whenever a request is rejected, for ops
// visibility. Optional.
type Notifier interface {
	RateLimited(key string)
}

// DefaultPerMinute is the per-caller limit per window that Middleware
// applies when it is given a perMinute of zero or less.
const DefaultPerMinute = 120

// Middleware throttles requests ahead of C5/C6: a rejected request
// never reaches the authorization filter or publishes an RPC. A
// perMinute of zero or less falls back to DefaultPerMinute.
func Middleware(limiter Limiter, notifier Notifier, perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := callerKey(r)
			decision := limiter.Allow(key, perMinute)
			if !decision.Allowed {
				if notifier != nil {
					notifier.RateLimited(key)
				}
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// callerKey identifies the caller for throttling: the bearer token's
// raw value if present (coarse but authentication-agnostic — the
// limiter runs ahead of verification), otherwise the remote IP.
func callerKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		return "auth:" + auth
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
