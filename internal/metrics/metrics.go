// Package metrics holds the recorders for everything the chat proxy counts.
// All recorders are no-ops until observability.InitMetrics has run.
package metrics

import (
	"strconv"
	"time"

	"github.com/insurechat/insurechat/internal/observability"
)

// Metric names emitted by the chat proxy.
const (
	ChatRequestsTotal = "chat_requests_total"

	RateLimitRejectionsTotal = "ratelimit_rejections_total"
	RateLimitTrackedClients  = "ratelimit_tracked_clients"
	RateLimitSweptTotal      = "ratelimit_swept_clients_total"

	UpstreamAttemptsTotal   = "upstream_attempts_total"
	UpstreamCallDuration    = "upstream_call_duration_ms"
	UpstreamCallFailedTotal = "upstream_call_failures_total"

	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	ServerStartTime = "app_server_start_time_seconds"

	ErrorsTotalName      = "errors_total"
	PanicsTotalName      = "panics_total"
	ErrorsByEndpointName = "errors_by_endpoint"
)

// Chat outcomes used as the "outcome" label.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid"
	OutcomeRateLimited = "rate_limited"
	OutcomeTransient   = "upstream_transient"
	OutcomeTerminal    = "upstream_terminal"
	OutcomeError       = "error"
)

func counter(name string, value float64, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Counter(name, value, labels)
	}
}

func gauge(name string, value float64, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Gauge(name, value, labels)
	}
}

func histogram(name string, d time.Duration, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Histogram(name, d, labels)
	}
}

// RecordChatRequest counts a finished /chat request by outcome.
func RecordChatRequest(outcome string) {
	counter(ChatRequestsTotal, 1, map[string]string{"outcome": outcome})
}

// RecordRateLimitRejection counts a request turned away by the limiter.
func RecordRateLimitRejection(route string) {
	counter(RateLimitRejectionsTotal, 1, map[string]string{"route": route})
}

// RecordLimiterSweep records a sweeper pass.
func RecordLimiterSweep(removed, tracked int) {
	counter(RateLimitSweptTotal, float64(removed), nil)
	gauge(RateLimitTrackedClients, float64(tracked), nil)
}

// RecordUpstreamAttempt records a single provider attempt.
func RecordUpstreamAttempt(provider string, attempt int, duration time.Duration, err error, transient bool) {
	outcome := "success"
	switch {
	case err != nil && transient:
		outcome = "transient"
	case err != nil:
		outcome = "terminal"
	}

	counter(UpstreamAttemptsTotal, 1, map[string]string{
		"provider": provider,
		"attempt":  strconv.Itoa(attempt),
		"outcome":  outcome,
	})
	histogram(UpstreamCallDuration, duration, map[string]string{
		"provider": provider,
		"outcome":  outcome,
	})
}

// RecordUpstreamFailure counts a call that gave up, by failure kind.
func RecordUpstreamFailure(provider, kind string) {
	counter(UpstreamCallFailedTotal, 1, map[string]string{"provider": provider, "kind": kind})
}

// RecordHealthCheck records a health check execution.
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	counter(HealthCheckTotal, 1, map[string]string{"check": checkName, "status": status})
	histogram(HealthCheckDuration, duration, map[string]string{"check": checkName})
}

// SetServerStartTime records the server start time as a Unix timestamp.
func SetServerStartTime(timestamp int64) {
	gauge(ServerStartTime, float64(timestamp), nil)
}

// RecordError counts an error envelope sent to a client.
func RecordError(errorCode string, httpStatus int) {
	counter(ErrorsTotalName, 1, map[string]string{
		"error_code":  errorCode,
		"http_status": strconv.Itoa(httpStatus),
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	counter(PanicsTotalName, 1, nil)
}

// RecordErrorByEndpoint counts an error envelope per route.
func RecordErrorByEndpoint(endpoint string, errorCode string) {
	counter(ErrorsByEndpointName, 1, map[string]string{"endpoint": endpoint, "error_code": errorCode})
}
