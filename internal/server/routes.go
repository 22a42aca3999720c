package server

import (
	"net/http"

	"github.com/fulmenhq/gofulmen/signals"
	"go.uber.org/zap"

	apperrors "github.com/insurechat/insurechat/internal/errors"
	"github.com/insurechat/insurechat/internal/metrics"
	"github.com/insurechat/insurechat/internal/observability"
	"github.com/insurechat/insurechat/internal/ratelimit"
	"github.com/insurechat/insurechat/internal/server/handlers"
	servermw "github.com/insurechat/insurechat/internal/server/middleware"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Get("/health", handlers.Status)
	s.router.Get("/health/checks", s.deps.Health.HealthHandler)
	s.router.Get("/health/live", s.deps.Health.LivenessHandler)
	s.router.Get("/health/ready", s.deps.Health.ReadinessHandler)

	s.router.Method(http.MethodGet, "/version", handlers.NewVersion(s.cfg, s.deps.Limiter, s.deps.Started))

	s.router.Get("/metrics", s.metricsHandler)

	chatHandler := http.Handler(handlers.NewChat(s.deps.Chat, s.deps.Provider))
	if s.deps.Limiter != nil {
		chatHandler = servermw.RateLimit(s.deps.Limiter, rejectRateLimited)(chatHandler)
	}
	s.router.Method(http.MethodPost, "/chat", chatHandler)

	s.registerAdminEndpoint()
}

func rejectRateLimited(w http.ResponseWriter, r *http.Request, d ratelimit.Decision) {
	metrics.RecordRateLimitRejection("/chat")
	metrics.RecordChatRequest(metrics.OutcomeRateLimited)

	envelope := apperrors.NewRateLimitedError(ratelimit.RejectMessage).
		WithDetails(map[string]interface{}{
			"limit":               d.Limit,
			"retry_after_seconds": servermw.RetryAfterSeconds(d),
		})
	envelope, _ = envelope.WithContext(map[string]interface{}{
		"client_ip": servermw.ClientIP(r),
	})
	HandleError(w, r, apperrors.EnsureCorrelationID(envelope, r.Context()))
}

// registerAdminEndpoint registers POST /admin/signal when an admin token is configured.
func (s *Server) registerAdminEndpoint() {
	logger := observability.ServerLogger

	if s.deps.AdminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no admin token set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.deps.AdminToken,
		RateLimit: 10, // per minute
		RateBurst: 5,
		Manager:   nil,
	})

	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
