package security

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ClientIP extracts the originating IP from a request, preferring
// X-Forwarded-For and X-Real-IP over RemoteAddr (assumes a trusted proxy
// sets those headers; callers behind an untrusted edge should strip them
// upstream).
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AuditSink receives a record of every request the security middleware
// rejects. Implementations must not block the request path for long.
type AuditSink interface {
	RecordRejection(path, ip, reason string)
}

// noopAuditSink discards rejection records.
type noopAuditSink struct{}

func (noopAuditSink) RecordRejection(string, string, string) {}

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	// PathPrefix restricts allowlist and rate-limit enforcement to requests
	// whose URL path starts with this prefix. Empty means all paths.
	PathPrefix string
	Allowlist  *Allowlist
	Limiter    *SlidingWindowLimiter
	KeyFunc    func(*http.Request) string
	Audit      AuditSink
}

// Middleware wraps next with allowlist filtering followed by rate
// limiting, both scoped to cfg.PathPrefix. Allowlist rejection always takes
// priority over rate limiting: a blocked IP is never told it was also rate
// limited.
func Middleware(next http.Handler, cfg MiddlewareConfig) http.Handler {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = ClientIP
	}
	audit := cfg.Audit
	if audit == nil {
		audit = noopAuditSink{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.PathPrefix != "" && !pathHasPrefix(r.URL.Path, cfg.PathPrefix) {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)

		if cfg.Allowlist != nil && !cfg.Allowlist.IsAllowed(ip) {
			audit.RecordRejection(r.URL.Path, ip, "ip-not-allowed")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		if cfg.Limiter != nil {
			key := keyFunc(r)
			if key == "" {
				key = ip
			}

			limit := cfg.Limiter.effectiveLimit()
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))

			if !cfg.Limiter.AddRequest(key) {
				reset := cfg.Limiter.ResetTime(key)
				w.Header().Set("X-RateLimit-Remaining", "0")
				if !reset.IsZero() {
					retryAfter := time.Until(reset)
					if retryAfter < 0 {
						retryAfter = 0
					}
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
					w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
				}
				audit.RecordRejection(r.URL.Path, ip, "rate-limited")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(cfg.Limiter.Remaining(key)))
		}

		next.ServeHTTP(w, r)
	})
}

func pathHasPrefix(path, prefix string) bool {
	if len(path) < len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix
}
