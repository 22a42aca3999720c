package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/insurechat/insurechat/internal/observability"
	"go.uber.org/zap"
)

// statusRecorder remembers what the wrapped handler sent.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// knownEndpoints bounds label cardinality when no chi pattern is available.
var knownEndpoints = map[string]string{
	"/":              "/",
	"/health":        "/health/*",
	"/health/live":   "/health/*",
	"/health/ready":  "/health/*",
	"/health/checks": "/health/*",
	"/version":       "/version",
	"/chat":          "/chat",
	"/metrics":       "/metrics",
}

func getEndpointPattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if endpoint, ok := knownEndpoints[r.URL.Path]; ok {
		return endpoint
	}
	return "/unknown"
}

// statusClass groups a status code for the http_errors_total counter.
// 429 gets its own class so limiter pressure is visible apart from bad input.
func statusClass(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return ""
	}
}

// RequestMetrics records per-request HTTP metrics and writes one access log
// line per request.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		var requestSize int64
		if v := r.Header.Get("Content-Length"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				requestSize = n
			}
		}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		endpoint := getEndpointPattern(r)
		logRequest(r, rec, endpoint, elapsed, requestSize)
		emitRequestMetrics(r.Method, endpoint, rec, elapsed, requestSize)
	})
}

func emitRequestMetrics(method, endpoint string, rec *statusRecorder, elapsed time.Duration, requestSize int64) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	status := strconv.Itoa(rec.status)
	route := map[string]string{"method": method, "endpoint": endpoint}
	withStatus := map[string]string{"method": method, "endpoint": endpoint, "status": status}

	_ = sys.Counter("http_requests_total", 1, withStatus)
	_ = sys.Histogram("http_request_duration_ms", elapsed, withStatus)
	_ = sys.Gauge("http_request_size_bytes", float64(requestSize), route)
	_ = sys.Gauge("http_response_size_bytes", float64(rec.written), route)

	if class := statusClass(rec.status); class != "" {
		_ = sys.Counter("http_errors_total", 1, map[string]string{
			"method":     method,
			"endpoint":   endpoint,
			"status":     status,
			"error_type": class,
		})
	}
}

func logRequest(r *http.Request, rec *statusRecorder, endpoint string, elapsed time.Duration, requestSize int64) {
	if observability.ServerLogger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("endpoint", endpoint),
		zap.String("client_ip", ClientIP(r)),
		zap.Int("status", rec.status),
		zap.Duration("duration", elapsed),
		zap.Int64("request_size", requestSize),
		zap.Int64("response_size", rec.written),
		zap.String("requestID", GetRequestID(r.Context())),
	}
	if rec.status >= 500 {
		observability.ServerLogger.Warn("HTTP request failed", fields...)
		return
	}
	observability.ServerLogger.Info("HTTP request completed", fields...)
}
