package cmd

import (
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/insurechat/insurechat/internal/chat"
	"github.com/insurechat/insurechat/internal/config"
	"github.com/insurechat/insurechat/internal/llm/driver/openai"
	"github.com/insurechat/insurechat/internal/metrics"
	"github.com/insurechat/insurechat/internal/ratelimit"
	"github.com/insurechat/insurechat/internal/upstream"
)

// chatRuntime holds the components shared by serve and chat.
type chatRuntime struct {
	provider string
	service  *chat.Service
	limiter  *ratelimit.Limiter
}

// buildRuntime wires the provider client, retrying caller and chat service
// from a validated configuration. The limiter is nil when disabled.
func buildRuntime(cfg *config.Config, logger *logging.Logger) (*chatRuntime, error) {
	mode, err := openai.ParseMode(cfg.Provider.APIMode)
	if err != nil {
		return nil, err
	}

	client := openai.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey)
	client.Project = cfg.Provider.Project
	client.Mode = mode

	prompt, err := chat.LoadPrompt(cfg.Chat.SystemPromptFile)
	if err != nil {
		return nil, fmt.Errorf("load system prompt: %w", err)
	}

	opts := []upstream.Option{
		upstream.WithBackoff(cfg.Chat.Backoff),
		upstream.WithObserver(attemptObserver(client.Name(), logger)),
	}
	if rps := cfg.Provider.RequestsPerSecond; rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, upstream.WithPacer(rate.NewLimiter(rate.Limit(rps), burst)))
	}
	caller := upstream.NewCaller(client, opts...)

	service := chat.NewService(chat.Config{
		Model:        cfg.Chat.Model,
		MaxTokens:    cfg.Chat.MaxTokens,
		Temperature:  cfg.Chat.Temperature,
		HistoryLimit: cfg.Chat.HistoryLimit,
		Retries:      cfg.Chat.Retries,
		Timeout:      cfg.Chat.Timeout,
	}, prompt, caller)

	rt := &chatRuntime{provider: client.Name(), service: service}
	if cfg.RateLimit.Enabled {
		rt.limiter = ratelimit.New(ratelimit.Config{
			Window:      cfg.RateLimit.Window,
			MaxRequests: cfg.RateLimit.MaxRequests,
		})
	}

	if logger != nil {
		logger.Info("Chat runtime ready",
			zap.String("provider", rt.provider),
			zap.String("api_mode", string(mode)),
			zap.String("model", cfg.Chat.Model),
			zap.String("prompt", prompt.Name),
			zap.String("prompt_version", prompt.Version),
			zap.Int("history_limit", cfg.Chat.HistoryLimit),
			zap.Int("retries", cfg.Chat.Retries),
			zap.Duration("timeout", cfg.Chat.Timeout),
			zap.Bool("rate_limit", rt.limiter != nil))
	}
	return rt, nil
}

// attemptObserver records every upstream attempt and logs failures.
func attemptObserver(provider string, logger *logging.Logger) func(upstream.Attempt) {
	return func(a upstream.Attempt) {
		metrics.RecordUpstreamAttempt(provider, a.Number, a.Duration, a.Err, a.Transient)
		if a.Err == nil || logger == nil {
			return
		}
		logger.Warn("Upstream attempt failed",
			zap.String("provider", provider),
			zap.Int("attempt", a.Number),
			zap.Bool("transient", a.Transient),
			zap.Duration("duration", a.Duration.Round(time.Millisecond)),
			zap.Error(a.Err))
	}
}
