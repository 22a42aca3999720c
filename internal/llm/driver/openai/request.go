package openai

import (
	"fmt"
	"strings"

	"github.com/insurechat/insurechat/internal/llm/driver"
)

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	User        string        `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesAPIRequest struct {
	Model           string   `json:"model"`
	Input           string   `json:"input"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty"`
	User            string   `json:"user,omitempty"`
}

func validateRequest(req *driver.Request) error {
	if req == nil {
		return fmt.Errorf("request is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages are required")
	}
	return nil
}

func buildChatRequest(req *driver.Request) (*chatCompletionRequest, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	messages := make([]chatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, chatMessage{Role: msg.Role, Content: msg.Content})
	}

	return &chatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		User:        req.User,
	}, nil
}

func buildResponsesRequest(req *driver.Request) (*responsesAPIRequest, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	return &responsesAPIRequest{
		Model:           req.Model,
		Input:           FlattenTranscript(req.Messages),
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
		User:            req.User,
	}, nil
}

// FlattenTranscript renders messages as newline-separated "ROLE: content"
// lines followed by an open "ASSISTANT:" turn.
func FlattenTranscript(messages []driver.Message) string {
	lines := make([]string, 0, len(messages)+1)
	for _, msg := range messages {
		lines = append(lines, strings.ToUpper(msg.Role)+": "+msg.Content)
	}
	lines = append(lines, "ASSISTANT:")
	return strings.Join(lines, "\n")
}
