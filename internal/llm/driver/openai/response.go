package openai

import (
	"fmt"
	"strings"

	"github.com/insurechat/insurechat/internal/llm/driver"
)

type chatCompletionResponse struct {
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
}

type choice struct {
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type chatResponseMessage struct {
	Content string `json:"content"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
}

type responsesAPIResponse struct {
	Status     string       `json:"status"`
	OutputText string       `json:"output_text"`
	Output     []outputItem `json:"output"`
	Usage      *usage       `json:"usage,omitempty"`
}

type outputItem struct {
	Type    string          `json:"type"`
	Content []outputContent `json:"content"`
}

type outputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func toDriverResponse(resp *chatCompletionResponse) (*driver.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, &driver.DecodeError{Provider: "openai", Err: fmt.Errorf("empty response choices")}
	}

	choice := resp.Choices[0]
	return &driver.Response{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        toDriverUsage(resp.Usage),
	}, nil
}

func fromResponsesAPI(resp *responsesAPIResponse) *driver.Response {
	text := resp.OutputText
	if text == "" {
		var parts []string
		for _, item := range resp.Output {
			if item.Type != "" && item.Type != "message" {
				continue
			}
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					parts = append(parts, c.Text)
				}
			}
		}
		text = strings.Join(parts, "")
	}

	return &driver.Response{
		Text:         text,
		FinishReason: resp.Status,
		Usage:        toDriverUsage(resp.Usage),
	}
}

func toDriverUsage(u *usage) *driver.Usage {
	if u == nil {
		return nil
	}
	out := &driver.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if out.PromptTokens == 0 {
		out.PromptTokens = u.InputTokens
	}
	if out.CompletionTokens == 0 {
		out.CompletionTokens = u.OutputTokens
	}
	return out
}
