package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trailbot/internal/domain"
)

// RateLimit returns middleware that applies per-client rate limiting using
// the provided domain.RateLimiter. Clients presenting an API token are
// limited per token so dashboards behind a shared NAT do not starve each
// other; anonymous clients are limited per IP. Paths in skipPaths (liveness
// probes, metrics scrapes) never consume budget.
func RateLimit(limiter domain.RateLimiter, limit int, window time.Duration, skipPaths ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	retryAfter := strconv.Itoa(int(window.Seconds()))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), clientKey(r), limit, window)
			if err != nil {
				// Fail open on limiter errors so a Redis blip cannot lock
				// operators out of the status API.
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey derives the rate-limit bucket for a request: the presented API
// token when there is one, the client IP otherwise.
func clientKey(r *http.Request) string {
	if tok := extractToken(r); tok != "" {
		return "ratelimit:http:token:" + tok
	}
	return "ratelimit:http:ip:" + clientIP(r)
}

// clientIP resolves the originating client address, trusting standard proxy
// headers before falling back to the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
