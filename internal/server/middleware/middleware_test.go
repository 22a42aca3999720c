package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insurechat/insurechat/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(ratelimit.Config{Window: time.Minute, MaxRequests: 2},
		ratelimit.WithClock(func() time.Time { return now }))

	var rejected int
	handler := RateLimit(limiter, func(w http.ResponseWriter, r *http.Request, d ratelimit.Decision) {
		rejected++
		assert.False(t, d.Allowed)
		w.WriteHeader(http.StatusTooManyRequests)
	})(okHandler())

	send := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := send("198.51.100.7:5000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get(RateLimitLimitHeader))
	assert.Equal(t, "1", rec.Header().Get(RateLimitRemainingHeader))

	// Same IP from another source port shares the budget.
	rec = send("198.51.100.7:6000")
	assert.Equal(t, http.StatusOK, rec.Code)

	now = now.Add(15 * time.Second)
	rec = send("198.51.100.7:7000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "45", rec.Header().Get(RetryAfterHeader))
	assert.Equal(t, 1, rejected)

	rec = send("198.51.100.8:5000")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddlewareDefaultReject(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Window: time.Minute, MaxRequests: 1})
	handler := RateLimit(limiter, nil)(okHandler())

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, want, rec.Code, "request %d", i)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(req))

	req.RemoteAddr = "203.0.113.5"
	assert.Equal(t, "203.0.113.5", ClientIP(req))
}

func TestTrustedRealIP(t *testing.T) {
	var seen string
	handler := TrustedRealIP([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = ClientIP(r)
		}))

	send := func(remoteAddr string) string {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req.RemoteAddr = remoteAddr
		req.Header.Set("X-Forwarded-For", "198.51.100.1")
		handler.ServeHTTP(httptest.NewRecorder(), req)
		return seen
	}

	assert.Equal(t, "198.51.100.1", send("10.1.2.3:9000"))
	assert.Equal(t, "203.0.113.7", send("203.0.113.7:5555"))
}

func TestPeerTrusted(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	assert.True(t, peerTrusted("10.0.0.1:80", trusted))
	assert.True(t, peerTrusted("[::ffff:10.0.0.1]:80", trusted))
	assert.False(t, peerTrusted("203.0.113.7:80", trusted))
	assert.False(t, peerTrusted("not-an-ip", trusted))
	assert.True(t, peerTrusted("203.0.113.7:80", nil))
}

func TestRecoveryHidesPanicValue(t *testing.T) {
	handler := RequestID(Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("database password is hunter2")
	})))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), body.Error.RequestID)
}

func TestRequestIDGeneratedAndSanitized(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.NotEmpty(t, seen)
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}
