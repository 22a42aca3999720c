package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/insurechat/insurechat/internal/chat"
	apperrors "github.com/insurechat/insurechat/internal/errors"
	"github.com/insurechat/insurechat/internal/metrics"
	"github.com/insurechat/insurechat/internal/upstream"
)

// MaxChatBodyBytes caps the size of a /chat request body.
const MaxChatBodyBytes = 1 << 20

var (
	errMissingMessages = stderrors.New("messages is required")
	errTrailingData    = stderrors.New("unexpected data after request body")
)

// Replier produces the assistant reply for a conversation.
type Replier interface {
	Reply(ctx context.Context, req chat.Request) (string, error)
}

// ChatResponse is the success body of POST /chat.
type ChatResponse struct {
	Reply string `json:"reply"`
}

// chatPayload uses pointers so absent fields can be told apart from empty ones.
type chatPayload struct {
	UserID   *string        `json:"user_id"`
	Messages *[]turnPayload `json:"messages"`
}

type turnPayload struct {
	Role    *string `json:"role"`
	Content *string `json:"content"`
}

// Chat serves POST /chat.
type Chat struct {
	replier  Replier
	provider string
}

// NewChat returns the /chat handler. provider labels upstream failure metrics.
func NewChat(replier Replier, provider string) *Chat {
	return &Chat{replier: replier, provider: provider}
}

// ServeHTTP implements http.Handler.
func (h *Chat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		metrics.RecordChatRequest(metrics.OutcomeInvalid)
		envelope := apperrors.WrapValidationError(r.Context(), err, "Invalid request body")
		envelope = envelope.WithDetails(map[string]interface{}{"reason": err.Error()})
		respondWithError(w, r, envelope)
		return
	}

	reply, err := h.replier.Reply(r.Context(), req)
	if err != nil {
		respondWithError(w, r, h.classify(r.Context(), err))
		return
	}

	metrics.RecordChatRequest(metrics.OutcomeOK)
	writeJSON(w, http.StatusOK, ChatResponse{Reply: reply})
}

// classify maps a reply failure to the envelope sent to the client. The
// client only sees a generic message; the cause travels in the envelope
// context and is logged.
func (h *Chat) classify(ctx context.Context, err error) error {
	var callErr *upstream.CallError
	if !stderrors.As(err, &callErr) {
		metrics.RecordChatRequest(metrics.OutcomeError)
		return apperrors.WrapInternal(ctx, err, "An internal error occurred")
	}

	metrics.RecordUpstreamFailure(h.provider, callErr.Kind.String())
	if callErr.Kind == upstream.KindTransient {
		metrics.RecordChatRequest(metrics.OutcomeTransient)
		return apperrors.WrapServiceUnavailable(ctx, err, "The assistant is temporarily unavailable, please try again shortly")
	}
	metrics.RecordChatRequest(metrics.OutcomeTerminal)
	return apperrors.WrapExternalService(ctx, err, "The assistant could not process this request")
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chat.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxChatBodyBytes)

	var payload chatPayload
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return chat.Request{}, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return chat.Request{}, fmt.Errorf("malformed JSON: %w", err)
	}
	if dec.More() {
		return chat.Request{}, errTrailingData
	}
	if payload.Messages == nil {
		return chat.Request{}, errMissingMessages
	}

	req := chat.Request{Messages: make([]chat.Turn, 0, len(*payload.Messages))}
	if payload.UserID != nil {
		req.UserID = *payload.UserID
	}
	for i, turn := range *payload.Messages {
		if turn.Role == nil {
			return chat.Request{}, fmt.Errorf("messages[%d].role is required", i)
		}
		if turn.Content == nil {
			return chat.Request{}, fmt.Errorf("messages[%d].content is required", i)
		}
		req.Messages = append(req.Messages, chat.Turn{Role: *turn.Role, Content: *turn.Content})
	}
	return req, nil
}
