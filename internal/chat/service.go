// Package chat turns a client conversation into a bounded upstream request.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/insurechat/insurechat/internal/llm/driver"
)

// DefaultHistoryLimit is how many trailing turns are forwarded upstream.
const DefaultHistoryLimit = 8

// Turn is one message of the client-supplied conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat request from the frontend.
type Request struct {
	UserID   string `json:"user_id,omitempty"`
	Messages []Turn `json:"messages"`
}

// Config holds the per-request generation settings.
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	HistoryLimit int
	Retries      int
	Timeout      time.Duration
}

// Caller sends a prepared request upstream.
type Caller interface {
	Call(ctx context.Context, req *driver.Request, retries int, timeout time.Duration) (string, error)
}

// Service builds upstream requests from client conversations.
type Service struct {
	cfg    Config
	prompt *Prompt
	caller Caller
}

// NewService returns a Service. A nil prompt means no system turn is sent.
func NewService(cfg Config, prompt *Prompt, caller Caller) *Service {
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	return &Service{cfg: cfg, prompt: prompt, caller: caller}
}

// Config returns the service settings.
func (s *Service) Config() Config {
	return s.cfg
}

// Prompt returns the active system prompt.
func (s *Service) Prompt() *Prompt {
	return s.prompt
}

// Reply sends the conversation upstream and returns the assistant reply.
// Errors come from the Caller unchanged.
func (s *Service) Reply(ctx context.Context, req Request) (string, error) {
	upstreamReq := s.BuildRequest(req)
	return s.caller.Call(ctx, upstreamReq, s.cfg.Retries, s.cfg.Timeout)
}

// BuildRequest normalizes roles, keeps the last HistoryLimit turns and
// prepends the system prompt.
func (s *Service) BuildRequest(req Request) *driver.Request {
	turns := req.Messages
	if len(turns) > s.cfg.HistoryLimit {
		turns = turns[len(turns)-s.cfg.HistoryLimit:]
	}

	messages := make([]driver.Message, 0, len(turns)+1)
	if s.prompt != nil && s.prompt.SystemPrompt != "" {
		messages = append(messages, driver.Message{Role: driver.RoleSystem, Content: s.prompt.SystemPrompt})
	}
	for _, turn := range turns {
		messages = append(messages, driver.Message{Role: NormalizeRole(turn.Role), Content: turn.Content})
	}

	out := &driver.Request{
		Model:    s.cfg.Model,
		Messages: messages,
		User:     strings.TrimSpace(req.UserID),
	}
	if s.cfg.MaxTokens > 0 {
		maxTokens := s.cfg.MaxTokens
		out.MaxTokens = &maxTokens
	}
	temperature := s.cfg.Temperature
	out.Temperature = &temperature
	return out
}

// NormalizeRole lowercases role and maps anything unrecognized to user.
func NormalizeRole(role string) string {
	switch r := strings.ToLower(strings.TrimSpace(role)); r {
	case driver.RoleSystem, driver.RoleUser, driver.RoleAssistant:
		return r
	default:
		return driver.RoleUser
	}
}
