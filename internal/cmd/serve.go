package cmd

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/insurechat/insurechat/internal/config"
	errwrap "github.com/insurechat/insurechat/internal/errors"
	"github.com/insurechat/insurechat/internal/metrics"
	"github.com/insurechat/insurechat/internal/observability"
	"github.com/insurechat/insurechat/internal/ratelimit"
	"github.com/insurechat/insurechat/internal/server"
	"github.com/insurechat/insurechat/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// configHealthChecker re-validates the active configuration.
type configHealthChecker struct{}

func (configHealthChecker) CheckHealth(ctx context.Context) error {
	cfg := config.GetConfig()
	if cfg == nil {
		return errwrap.NewConfigInvalidError("configuration not loaded")
	}
	return config.Validate(cfg)
}

// limiterHealthChecker confirms the /chat limiter is wired when enabled.
type limiterHealthChecker struct {
	enabled bool
	limiter *ratelimit.Limiter
}

func (l limiterHealthChecker) CheckHealth(ctx context.Context) error {
	if l.enabled && l.limiter == nil {
		return errwrap.NewConfigInvalidError("rate limiter enabled but not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat proxy HTTP server",
	Long: `Start the chat proxy HTTP server with graceful shutdown support.

Endpoints:
  GET  /health            liveness, always 200
  GET  /version           model and limiter diagnostics
  POST /chat              forward a conversation to the upstream model

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read and validate the config file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()

		cfg, err := loadConfig()
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Invalid configuration",
				errwrap.WrapConfigInvalid(cmd.Context(), err, "configuration is invalid"))
			return err
		}

		observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile, namespace)
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics.Port, namespace); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
			}
		}

		if cfg.CORS.AllowsAnyOrigin() {
			logger.Warn("CORS allows any origin; set CORS_ORIGINS to the frontend origins in production")
		}
		if cfg.Server.TrustProxyHeaders && len(cfg.Server.TrustedProxies) == 0 {
			logger.Warn("Forwarded client addresses are trusted from every peer; set server.trusted_proxies")
		}

		rt, err := buildRuntime(cfg, logger)
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "chat runtime initialization failed")
		}

		started := time.Now()
		metrics.SetServerStartTime(started.Unix())

		hm := handlers.NewHealthManager(versionInfo.Version)
		hm.RegisterChecker("config", configHealthChecker{})
		hm.RegisterChecker("rate_limiter", limiterHealthChecker{enabled: cfg.RateLimit.Enabled, limiter: rt.limiter})
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		handlers.SetAppIdentity(identity)
		srv := server.New(cfg, server.Deps{
			Chat:       rt.service,
			Provider:   rt.provider,
			Limiter:    rt.limiter,
			Health:     hm,
			AdminToken: os.Getenv(identity.EnvPrefix + "ADMIN_TOKEN"),
			Started:    started,
		})

		logger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("addr", srv.Addr()),
			zap.Strings("cors_origins", cfg.CORS.Origins),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			zap.Int("metrics_port", cfg.Metrics.Port))

		sweepCtx, stopSweeper := context.WithCancel(cmd.Context())
		if rt.limiter != nil {
			go rt.limiter.RunSweeper(sweepCtx, cfg.RateLimit.SweepInterval, func(removed int) {
				tracked := rt.limiter.Len()
				metrics.RecordLimiterSweep(removed, tracked)
				if removed > 0 {
					logger.Debug("Rate limiter sweep",
						zap.Int("removed", removed),
						zap.Int("tracked", tracked))
				}
			})
		}

		// Shutdown handlers run LIFO: the server stops first, the logger flushes last.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			if err := observability.ShutdownMetrics(); err != nil {
				logger.Warn("Metrics exporter shutdown failed", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			stopSweeper()
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: re-reading configuration")

			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); ok {
					logger.Info("No config file found - using defaults and environment variables")
					return nil
				}
				logger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			reloaded, err := config.Load(viper.GetViper())
			if err == nil {
				err = config.Validate(reloaded)
			}
			if err != nil {
				logger.Error("Reloaded configuration is invalid", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			// Running components keep the settings they started with.
			logger.Info("Configuration reloaded; restart to apply changes",
				zap.String("file", viper.ConfigFileUsed()))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			stopSweeper()
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "", "server host (default 0.0.0.0)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "server port (default 8000, or $PORT)")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
