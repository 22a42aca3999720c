package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/insurechat/insurechat/internal/chat"
	errwrap "github.com/insurechat/insurechat/internal/errors"
	"github.com/insurechat/insurechat/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify the service could start: version info, configuration and system prompt. The upstream provider is not contacted.",
	Run: func(cmd *cobra.Command, args []string) {
		if observability.CLILogger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		logger := observability.CLILogger
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Info("✅ Version information available", zap.String("version", versionInfo.Version))

		cfg, err := loadConfig()
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "❌ Configuration invalid", err)
			return
		}
		logger.Info("✅ Configuration valid",
			zap.String("model", cfg.Chat.Model),
			zap.String("api_mode", cfg.Provider.APIMode))

		prompt, err := chat.LoadPrompt(cfg.Chat.SystemPromptFile)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "❌ System prompt unavailable", err)
			return
		}
		logger.Info("✅ System prompt loaded", zap.String("prompt", prompt.Name), zap.String("source", prompt.Source))

		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
