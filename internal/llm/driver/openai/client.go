package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/insurechat/insurechat/internal/llm/driver"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Mode selects which OpenAI endpoint the client speaks.
type Mode string

const (
	// ModeChat posts the message list to /chat/completions.
	ModeChat Mode = "chat"
	// ModeResponses posts a flattened transcript to /responses.
	ModeResponses Mode = "responses"
)

// ParseMode validates a mode string. Empty means ModeChat.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeChat:
		return ModeChat, nil
	case ModeResponses:
		return ModeResponses, nil
	default:
		return "", fmt.Errorf("unknown api mode %q (expected chat or responses)", s)
	}
}

// Client implements the OpenAI driver via direct HTTP.
type Client struct {
	BaseURL    string
	APIKey     string
	Project    string
	Mode       Mode
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewClient returns a client with defaults applied.
func NewClient(baseURL, apiKey string) *Client {
	url := strings.TrimSpace(baseURL)
	if url == "" {
		url = defaultBaseURL
	}

	return &Client{
		BaseURL: url,
		APIKey:  strings.TrimSpace(apiKey),
		Mode:    ModeChat,
	}
}

// Name returns the driver identifier.
func (c *Client) Name() string {
	return "openai"
}

// Complete sends a completion request using the configured mode.
func (c *Client) Complete(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	if c == nil {
		return nil, fmt.Errorf("openai client not configured")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}

	if c.Mode == ModeResponses {
		return c.completeWithResponses(ctx, req)
	}
	return c.completeWithChat(ctx, req)
}

func (c *Client) completeWithChat(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	payload, err := buildChatRequest(req)
	if err != nil {
		return nil, err
	}

	respBody, err := c.post(ctx, "/chat/completions", req.Model, payload)
	if err != nil {
		return nil, err
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &driver.DecodeError{Provider: c.Name(), Err: err}
	}
	return toDriverResponse(&parsed)
}

func (c *Client) completeWithResponses(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	payload, err := buildResponsesRequest(req)
	if err != nil {
		return nil, err
	}

	respBody, err := c.post(ctx, "/responses", req.Model, payload)
	if err != nil {
		return nil, err
	}

	var parsed responsesAPIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &driver.DecodeError{Provider: c.Name(), Err: err}
	}
	return fromResponsesAPI(&parsed), nil
}

// post sends payload to the endpoint and returns the raw 2xx body.
func (c *Client) post(ctx context.Context, endpoint, model string, payload any) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, c.Timeout)
	if cancel != nil {
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + endpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if project := strings.TrimSpace(c.Project); project != "" {
		httpReq.Header.Set("OpenAI-Project", project)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		driver.Trace(driver.TraceEntry{
			Driver:      c.Name(),
			Endpoint:    endpoint,
			Method:      http.MethodPost,
			Model:       model,
			RequestBody: body,
			Error:       err.Error(),
			DurationMs:  time.Since(start).Milliseconds(),
		})
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	entry := driver.TraceEntry{
		Driver:      c.Name(),
		Endpoint:    endpoint,
		Method:      http.MethodPost,
		Model:       model,
		RequestBody: body,
		StatusCode:  resp.StatusCode,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if json.Valid(respBody) {
		entry.Response = respBody
	}
	driver.Trace(entry)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &driver.ProviderError{
			Provider:    c.Name(),
			StatusCode:  resp.StatusCode,
			Message:     strings.TrimSpace(string(respBody)),
			RawResponse: respBody,
			RetryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return respBody, nil
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, nil
	}
	return context.WithTimeout(ctx, timeout)
}
