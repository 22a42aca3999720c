package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/insurechat/insurechat/internal/ratelimit"
)

// Rate limit response headers.
const (
	RateLimitLimitHeader     = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RetryAfterHeader         = "Retry-After"
)

// RejectFunc writes the response for a request the limiter turned away.
type RejectFunc func(w http.ResponseWriter, r *http.Request, d ratelimit.Decision)

// RateLimit admits each request through limiter keyed by client IP. Run it
// after TrustedRealIP when the service sits behind a proxy.
func RateLimit(limiter *ratelimit.Limiter, reject RejectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Check(ClientIP(r))

			w.Header().Set(RateLimitLimitHeader, strconv.Itoa(d.Limit))
			w.Header().Set(RateLimitRemainingHeader, strconv.Itoa(d.Remaining))

			if !d.Allowed {
				w.Header().Set(RetryAfterHeader, strconv.Itoa(RetryAfterSeconds(d)))
				if reject != nil {
					reject(w, r, d)
				} else {
					http.Error(w, ratelimit.RejectMessage, http.StatusTooManyRequests)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// RetryAfterSeconds rounds the decision's wait up to whole seconds, at least 1.
func RetryAfterSeconds(d ratelimit.Decision) int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
