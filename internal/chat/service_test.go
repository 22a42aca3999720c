package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insurechat/insurechat/internal/llm/driver"
)

type recordingCaller struct {
	req     *driver.Request
	retries int
	timeout time.Duration
	reply   string
	err     error
}

func (c *recordingCaller) Call(ctx context.Context, req *driver.Request, retries int, timeout time.Duration) (string, error) {
	c.req = req
	c.retries = retries
	c.timeout = timeout
	return c.reply, c.err
}

func testConfig() Config {
	return Config{
		Model:        "gpt-4o-mini",
		MaxTokens:    500,
		Temperature:  0.3,
		HistoryLimit: DefaultHistoryLimit,
		Retries:      1,
		Timeout:      30 * time.Second,
	}
}

func TestReplyPassesSettingsToCaller(t *testing.T) {
	caller := &recordingCaller{reply: "A deductible is what you pay first."}
	svc := NewService(testConfig(), &Prompt{SystemPrompt: "be helpful"}, caller)

	reply, err := svc.Reply(context.Background(), Request{
		UserID:   "agent-7",
		Messages: []Turn{{Role: "user", Content: "What is a deductible?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "A deductible is what you pay first.", reply)

	require.NotNil(t, caller.req)
	assert.Equal(t, 1, caller.retries)
	assert.Equal(t, 30*time.Second, caller.timeout)
	assert.Equal(t, "gpt-4o-mini", caller.req.Model)
	assert.Equal(t, "agent-7", caller.req.User)
	require.NotNil(t, caller.req.MaxTokens)
	assert.Equal(t, 500, *caller.req.MaxTokens)
	require.NotNil(t, caller.req.Temperature)
	assert.InDelta(t, 0.3, *caller.req.Temperature, 1e-9)
	require.Len(t, caller.req.Messages, 2)
	assert.Equal(t, driver.Message{Role: "system", Content: "be helpful"}, caller.req.Messages[0])
}

func TestReplyReturnsCallerError(t *testing.T) {
	want := errors.New("upstream down")
	svc := NewService(testConfig(), nil, &recordingCaller{err: want})

	_, err := svc.Reply(context.Background(), Request{Messages: []Turn{{Role: "user", Content: "hi"}}})
	require.ErrorIs(t, err, want)
}

func TestBuildRequestTruncatesHistory(t *testing.T) {
	svc := NewService(testConfig(), &Prompt{SystemPrompt: "sys"}, &recordingCaller{})

	turns := make([]Turn, 12)
	for i := range turns {
		turns[i] = Turn{Role: "user", Content: fmt.Sprintf("turn %d", i)}
	}

	req := svc.BuildRequest(Request{Messages: turns})
	require.Len(t, req.Messages, DefaultHistoryLimit+1)
	assert.Equal(t, "sys", req.Messages[0].Content)
	assert.Equal(t, "turn 4", req.Messages[1].Content)
	assert.Equal(t, "turn 11", req.Messages[len(req.Messages)-1].Content)
}

func TestBuildRequestZeroHistoryLimit(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryLimit = 0
	svc := NewService(cfg, &Prompt{SystemPrompt: "sys"}, &recordingCaller{})

	req := svc.BuildRequest(Request{Messages: []Turn{{Role: "user", Content: "dropped"}}})
	require.Len(t, req.Messages, 1)
	assert.Equal(t, driver.RoleSystem, req.Messages[0].Role)
}

func TestBuildRequestEmptyMessages(t *testing.T) {
	svc := NewService(testConfig(), &Prompt{SystemPrompt: "sys"}, &recordingCaller{})

	req := svc.BuildRequest(Request{})
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "sys", req.Messages[0].Content)
}

func TestNormalizeRole(t *testing.T) {
	tests := map[string]string{
		"user":       "user",
		" Assistant": "assistant",
		"SYSTEM ":    "system",
		"tool":       "user",
		"":           "user",
		"agent":      "user",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeRole(in), "role %q", in)
	}
}
