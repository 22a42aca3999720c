package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/insurechat/insurechat/internal/config"
	apperrors "github.com/insurechat/insurechat/internal/errors"
	"github.com/insurechat/insurechat/internal/observability"
	"github.com/insurechat/insurechat/internal/ratelimit"
	"github.com/insurechat/insurechat/internal/server/handlers"
	servermw "github.com/insurechat/insurechat/internal/server/middleware"
)

// Deps are the components the routes are served from.
type Deps struct {
	// Chat produces replies for POST /chat.
	Chat handlers.Replier
	// Provider labels upstream failure metrics.
	Provider string
	// Limiter guards POST /chat. Nil disables rate limiting.
	Limiter *ratelimit.Limiter
	// Health backs the probe endpoints. A manager with no checks is used when nil.
	Health *handlers.HealthManager
	// AdminToken enables POST /admin/signal when set.
	AdminToken string
	// Started is reported as uptime by /version. Defaults to New's call time.
	Started time.Time
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    *config.Config
	deps   Deps
}

// New creates a new HTTP server instance
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Health == nil {
		deps.Health = handlers.NewHealthManager(handlers.AppVersion)
	}
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}

	r := chi.NewRouter()

	// Forwarded headers are ignored unless explicitly trusted. An unparseable
	// proxy list fails config.Validate before the server is built.
	if cfg.Server.TrustProxyHeaders {
		if trusted, err := cfg.Server.TrustedProxyPrefixes(); err == nil {
			r.Use(servermw.TrustedRealIP(trusted))
		}
	}
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)
	r.Use(corsHandler(cfg.CORS))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{
		router: r,
		cfg:    cfg,
		deps:   deps,
	}

	handlers.SetHTTPErrorResponder(HandleError)

	s.registerRoutes()

	return s
}

// corsHandler allows the configured origins. Credentials are never combined
// with the wildcard origin.
func corsHandler(c config.CORSConfig) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: c.Origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", servermw.RequestIDHeader},
		ExposedHeaders: []string{
			servermw.RequestIDHeader,
			servermw.RetryAfterHeader,
			servermw.RateLimitLimitHeader,
			servermw.RateLimitRemainingHeader,
		},
		AllowCredentials: c.AllowCredentials && !c.AllowsAnyOrigin(),
		MaxAge:           300,
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.Addr()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	observability.ServerLogger.Info("Starting HTTP server",
		zap.String("host", s.cfg.Server.Host),
		zap.Int("port", s.cfg.Server.Port),
		zap.String("addr", addr))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	observability.ServerLogger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
}
