package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/insurechat/insurechat/internal/chat"
	errwrap "github.com/insurechat/insurechat/internal/errors"
	"github.com/insurechat/insurechat/internal/observability"
)

var chatUserID string

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Send one message through the chat pipeline",
	Long: `Send a single user message through the same prompt, history and retry
pipeline the server uses, and print the reply. Without arguments only the
system prompt is sent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Invalid configuration",
				errwrap.WrapConfigInvalid(cmd.Context(), err, "configuration is invalid"))
			return err
		}

		rt, err := buildRuntime(cfg, observability.CLILogger)
		if err != nil {
			return err
		}

		req := chat.Request{UserID: chatUserID, Messages: []chat.Turn{}}
		if msg := strings.TrimSpace(strings.Join(args, " ")); msg != "" {
			req.Messages = append(req.Messages, chat.Turn{Role: "user", Content: msg})
		}

		reply, err := rt.service.Reply(cmd.Context(), req)
		if err != nil {
			observability.CLILogger.Error("Chat request failed", zap.Error(err))
			return err
		}

		_, err = fmt.Fprintln(cmd.OutOrStdout(), reply)
		return err
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatUserID, "user-id", "", "end-user identifier forwarded to the provider")
}
