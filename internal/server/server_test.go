package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insurechat/insurechat/internal/chat"
	"github.com/insurechat/insurechat/internal/config"
	apperrors "github.com/insurechat/insurechat/internal/errors"
	"github.com/insurechat/insurechat/internal/llm/driver"
	"github.com/insurechat/insurechat/internal/ratelimit"
	"github.com/insurechat/insurechat/internal/upstream"
)

const testOrigin = "https://agent.example"

// fakeDriver answers every call with the same response.
type fakeDriver struct {
	mu    sync.Mutex
	calls []*driver.Request
	reply string
	err   error
	// hang blocks each call until its context ends.
	hang  bool
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Complete(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	d.mu.Unlock()
	if d.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return &driver.Response{Text: d.reply}, nil
}

func (d *fakeDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDriver) lastCall() *driver.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[len(d.calls)-1]
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Provider.APIMode = "chat"
	cfg.Chat.Model = "gpt-4o-mini"
	cfg.Chat.MaxTokens = 400
	cfg.Chat.HistoryLimit = 2
	cfg.Chat.Retries = 1
	cfg.Chat.Timeout = time.Second
	cfg.CORS.Origins = []string{testOrigin}
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Window = time.Minute
	cfg.RateLimit.MaxRequests = 3
	return cfg
}

func newTestServer(t *testing.T, d *fakeDriver, cfg *config.Config) *Server {
	t.Helper()
	caller := upstream.NewCaller(d, upstream.WithBackoff(time.Millisecond))
	svc := chat.NewService(chat.Config{
		Model:        cfg.Chat.Model,
		MaxTokens:    cfg.Chat.MaxTokens,
		HistoryLimit: cfg.Chat.HistoryLimit,
		Retries:      cfg.Chat.Retries,
		Timeout:      cfg.Chat.Timeout,
	}, &chat.Prompt{SystemPrompt: "You are an insurance assistant."}, caller)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			Window:      cfg.RateLimit.Window,
			MaxRequests: cfg.RateLimit.MaxRequests,
		})
	}
	return New(cfg, Deps{Chat: svc, Provider: d.Name(), Limiter: limiter})
}

func doChat(srv *Server, body, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New(testConfig(), Deps{})

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	var body apperrors.HTTPErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected error code NOT_FOUND, got %s", body.Error.Code)
	}
	if body.Error.RequestID == "" {
		t.Fatal("expected request id in error body")
	}
}

func TestHealthAlwaysOK(t *testing.T) {
	d := &fakeDriver{err: &driver.ProviderError{Provider: "fake", StatusCode: 500}}
	srv := newTestServer(t, d, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Zero(t, d.callCount())
}

func TestChatEndToEnd(t *testing.T) {
	d := &fakeDriver{reply: "Your deductible applies per claim."}
	srv := newTestServer(t, d, testConfig())

	body := `{"user_id":"agent-7","messages":[
		{"role":"user","content":"one"},
		{"role":"assistant","content":"two"},
		{"role":"bot","content":"three"}]}`
	rec := doChat(srv, body, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reply":"Your deductible applies per claim."}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	sent := d.lastCall()
	require.Len(t, sent.Messages, 3)
	assert.Equal(t, driver.RoleSystem, sent.Messages[0].Role)
	assert.Equal(t, "two", sent.Messages[1].Content)
	assert.Equal(t, driver.RoleUser, sent.Messages[2].Role)
	assert.Equal(t, "agent-7", sent.User)
	assert.Equal(t, "gpt-4o-mini", sent.Model)
}

func TestChatEmptyMessagesReturnsOK(t *testing.T) {
	d := &fakeDriver{reply: "Hello! How can I help?"}
	srv := newTestServer(t, d, testConfig())

	rec := doChat(srv, `{"messages":[]}`, "")

	require.Equal(t, http.StatusOK, rec.Code)
	sent := d.lastCall()
	require.Len(t, sent.Messages, 1)
	assert.Equal(t, driver.RoleSystem, sent.Messages[0].Role)
}

func TestChatBlankReplyUsesPlaceholder(t *testing.T) {
	d := &fakeDriver{reply: "   "}
	srv := newTestServer(t, d, testConfig())

	rec := doChat(srv, `{"messages":[{"role":"user","content":"hi"}]}`, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), upstream.EmptyReplyPlaceholder)
}

func TestChatRejectsMalformedBody(t *testing.T) {
	d := &fakeDriver{reply: "unused"}
	srv := newTestServer(t, d, testConfig())

	rec := doChat(srv, `{"messages":[{"role":"user"`, "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", decodeErrorResponse(t, rec).Error.Code)
	assert.Zero(t, d.callCount())
}

func TestChatRateLimitPerClient(t *testing.T) {
	d := &fakeDriver{reply: "ok"}
	srv := newTestServer(t, d, testConfig())
	body := `{"messages":[{"role":"user","content":"hi"}]}`

	for i := 0; i < 3; i++ {
		rec := doChat(srv, body, "203.0.113.5:4000")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := doChat(srv, body, "203.0.113.5:4001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	errBody := decodeErrorResponse(t, rec)
	assert.Equal(t, "RATE_LIMITED", errBody.Error.Code)
	assert.Equal(t, ratelimit.RejectMessage, errBody.Error.Message)

	// Rejected requests never reach the upstream.
	assert.Equal(t, 3, d.callCount())

	// Another client has its own window.
	rec = doChat(srv, body, "203.0.113.6:4000")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func sendForwarded(srv *Server, remoteAddr, forwarded string) int {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"messages":[]}`))
	req.RemoteAddr = remoteAddr
	req.Header.Set("X-Forwarded-For", forwarded)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec.Code
}

func TestChatRateLimitUsesForwardedClientFromTrustedProxy(t *testing.T) {
	cfg := testConfig()
	cfg.Server.TrustProxyHeaders = true
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8"}
	srv := newTestServer(t, &fakeDriver{reply: "ok"}, cfg)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, sendForwarded(srv, "10.0.0.1:9000", "198.51.100.1"))
	}
	assert.Equal(t, http.StatusTooManyRequests, sendForwarded(srv, "10.0.0.1:9000", "198.51.100.1"))
	assert.Equal(t, http.StatusOK, sendForwarded(srv, "10.0.0.1:9000", "198.51.100.2"))
}

func TestChatRateLimitIgnoresForwardedHeadersByDefault(t *testing.T) {
	d := &fakeDriver{reply: "ok"}
	srv := newTestServer(t, d, testConfig())

	admitted := 0
	for i := 0; i < 20; i++ {
		forwarded := fmt.Sprintf("198.51.100.%d", i+1)
		if sendForwarded(srv, "203.0.113.7:5555", forwarded) == http.StatusOK {
			admitted++
		}
	}

	assert.Equal(t, 3, admitted)
	assert.Equal(t, 3, d.callCount())
}

func TestChatRateLimitIgnoresForwardedHeadersFromUntrustedPeer(t *testing.T) {
	cfg := testConfig()
	cfg.Server.TrustProxyHeaders = true
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8"}
	srv := newTestServer(t, &fakeDriver{reply: "ok"}, cfg)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, sendForwarded(srv, "203.0.113.7:5555", fmt.Sprintf("198.51.100.%d", i+1)))
	}
	assert.Equal(t, http.StatusTooManyRequests, sendForwarded(srv, "203.0.113.7:5555", "198.51.100.99"))
}

func TestChatRateLimitDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Enabled = false
	d := &fakeDriver{reply: "ok"}
	srv := newTestServer(t, d, cfg)

	for i := 0; i < 10; i++ {
		rec := doChat(srv, `{"messages":[]}`, "203.0.113.9:1")
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestChatUpstreamFailures(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		code     string
		attempts int
	}{
		{
			name:     "transient exhausted",
			err:      &driver.ProviderError{Provider: "fake", StatusCode: http.StatusServiceUnavailable, Message: "overloaded"},
			status:   http.StatusServiceUnavailable,
			code:     "SERVICE_UNAVAILABLE",
			attempts: 2,
		},
		{
			name:     "terminal",
			err:      &driver.ProviderError{Provider: "fake", StatusCode: http.StatusUnauthorized, Message: "bad key sk-test"},
			status:   http.StatusBadGateway,
			code:     "EXTERNAL_SERVICE_ERROR",
			attempts: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDriver{err: tc.err}
			srv := newTestServer(t, d, testConfig())

			rec := doChat(srv, `{"messages":[{"role":"user","content":"hi"}]}`, "")

			require.Equal(t, tc.status, rec.Code)
			assert.NotContains(t, rec.Body.String(), "sk-test")
			assert.Equal(t, tc.code, decodeErrorResponse(t, rec).Error.Code)
			assert.Equal(t, tc.attempts, d.callCount())
		})
	}
}

func TestChatAttemptTimeoutsAreServiceUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.Chat.Timeout = 20 * time.Millisecond
	d := &fakeDriver{hang: true}
	srv := newTestServer(t, d, cfg)

	rec := doChat(srv, `{"messages":[{"role":"user","content":"hi"}]}`, "")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", decodeErrorResponse(t, rec).Error.Code)
	assert.Equal(t, 2, d.callCount())
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, &fakeDriver{reply: "ok"}, testConfig())

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", testOrigin)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
		req.Header.Set("Origin", testOrigin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Less(t, rec.Code, 300)
		assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
	})

	t.Run("unknown origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestVersionEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeDriver{reply: "ok"}, testConfig())
	doChat(srv, `{"messages":[]}`, "203.0.113.20:1")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Equal(t, false, body["project_set"])
	rl, ok := body["rate_limit"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), rl["tracked_clients"])
	assert.Equal(t, float64(60), rl["window_sec"])
}

func TestChatMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &fakeDriver{reply: "ok"}, testConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat", nil))

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeErrorResponse(t, rec).Error.Code)
}

func TestAddr(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 8787
	srv := New(cfg, Deps{})
	assert.Equal(t, fmt.Sprintf("%s:%d", "127.0.0.1", 8787), srv.Addr())
	assert.NoError(t, srv.Shutdown(context.Background()))
}
