package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/insurechat/insurechat/internal/config"
	"github.com/insurechat/insurechat/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display effective configuration",
	Long: `Display the effective configuration and the environment variables each
setting can be read from. Secrets are masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			observability.CLILogger.Warn("Config load failed", zap.Error(err))
			return
		}

		identity := GetAppIdentity()
		renderEnvInfo(cmd.OutOrStdout(), cfg, identity.EnvPrefix)

		if err := config.Validate(cfg); err != nil {
			observability.CLILogger.Warn("Configuration is not valid for serving", zap.Error(err))
		}
	},
}

func renderEnvInfo(out io.Writer, cfg *config.Config, envPrefix string) {
	prefix := strings.TrimSuffix(envPrefix, "_")
	if prefix == "" {
		prefix = config.DefaultEnvPrefix
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Setting", "Value", "Environment"})

	rows := []struct {
		key   string
		value string
	}{
		{"server.host", cfg.Server.Host},
		{"server.port", fmt.Sprint(cfg.Server.Port)},
		{"server.trust_proxy_headers", fmt.Sprint(cfg.Server.TrustProxyHeaders)},
		{"server.trusted_proxies", strings.Join(cfg.Server.TrustedProxies, ",")},
		{"provider.api_key", setOrUnset(cfg.Provider.APIKey)},
		{"provider.project", setOrUnset(cfg.Provider.Project)},
		{"provider.base_url", cfg.Provider.BaseURL},
		{"provider.api_mode", cfg.Provider.APIMode},
		{"provider.requests_per_second", fmt.Sprint(cfg.Provider.RequestsPerSecond)},
		{"chat.model", cfg.Chat.Model},
		{"chat.max_tokens", fmt.Sprint(cfg.Chat.MaxTokens)},
		{"chat.temperature", fmt.Sprint(cfg.Chat.Temperature)},
		{"chat.history_limit", fmt.Sprint(cfg.Chat.HistoryLimit)},
		{"chat.timeout", cfg.Chat.Timeout.String()},
		{"chat.retries", fmt.Sprint(cfg.Chat.Retries)},
		{"chat.backoff", cfg.Chat.Backoff.String()},
		{"cors.origins", strings.Join(cfg.CORS.Origins, ",")},
		{"rate_limit.enabled", fmt.Sprint(cfg.RateLimit.Enabled)},
		{"rate_limit.window", cfg.RateLimit.Window.String()},
		{"rate_limit.max_requests", fmt.Sprint(cfg.RateLimit.MaxRequests)},
		{"logging.level", cfg.Logging.Level},
		{"metrics.enabled", fmt.Sprint(cfg.Metrics.Enabled)},
		{"metrics.port", fmt.Sprint(cfg.Metrics.Port)},
	}
	for _, row := range rows {
		t.AppendRow(table.Row{row.key, row.value, envNames(prefix, row.key)})
	}
	t.Render()
}

func envNames(prefix, key string) string {
	names := []string{config.EnvName(prefix, key)}
	legacy := append([]string(nil), config.LegacyEnvNames(key)...)
	sort.Strings(legacy)
	return strings.Join(append(names, legacy...), ", ")
}

func setOrUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return "(set)"
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
