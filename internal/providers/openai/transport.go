// Package openai implements the completion transport over the OpenAI chat
// completions API, or any server that speaks it.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/completion"
	"github.com/haasonsaas/relay/pkg/models"
)

const providerName = "openai"

// Config configures the transport.
type Config struct {
	// BaseURL overrides the API root, e.g. for a compatible proxy.
	BaseURL string

	// HTTPClient is used for every request when set.
	HTTPClient *http.Client
}

// Transport issues chat completions with go-openai. It keeps one SDK
// client per API key so rotating keys does not rebuild HTTP state.
type Transport struct {
	cfg        Config
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// New creates a transport.
func New(cfg Config) *Transport {
	hc := http.Client{}
	if cfg.HTTPClient != nil {
		hc = *cfg.HTTPClient
	}
	next := hc.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	hc.Transport = &hintTransport{next: next}

	return &Transport{
		cfg:        cfg,
		httpClient: &hc,
		clients:    make(map[string]*openai.Client),
	}
}

// Name implements completion.Transport.
func (t *Transport) Name() string { return providerName }

func (t *Transport) client(apiKey string) *openai.Client {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[apiKey]; ok {
		return c
	}
	config := openai.DefaultConfig(apiKey)
	if t.cfg.BaseURL != "" {
		config.BaseURL = t.cfg.BaseURL
	}
	config.HTTPClient = t.httpClient
	c := openai.NewClientWithConfig(config)
	t.clients[apiKey] = c
	return c
}

// Complete implements completion.Transport.
func (t *Transport) Complete(ctx context.Context, apiKey string, req *completion.Request) (*completion.Response, error) {
	if apiKey == "" {
		return nil, &completion.ProviderError{Provider: providerName, Model: req.Model, Status: http.StatusUnauthorized, Message: "empty API key"}
	}

	chatReq := buildRequest(req)
	c := t.client(apiKey)

	// The SDK drops response headers from its errors, so the retry hint is
	// captured on the way through the HTTP client.
	hint := &retryHint{}
	ctx = context.WithValue(ctx, retryHintKey{}, hint)

	if req.Stream {
		stream, err := c.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return nil, withRetryAfter(wrapError(err, req.Model), hint.get())
		}
		return &completion.Response{Stream: &fragmentStream{stream: stream, model: req.Model}}, nil
	}

	resp, err := c.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, withRetryAfter(wrapError(err, req.Model), hint.get())
	}
	if len(resp.Choices) == 0 {
		return &completion.Response{}, nil
	}
	return &completion.Response{Text: resp.Choices[0].Message.Content}, nil
}

func buildRequest(req *completion.Request) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  convertTurns(req.Turns),
		MaxTokens: req.MaxOutputTokens,
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		chatReq.TopP = float32(*req.TopP)
	}
	if req.FrequencyPenalty != nil {
		chatReq.FrequencyPenalty = float32(*req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil {
		chatReq.PresencePenalty = float32(*req.PresencePenalty)
	}
	return chatReq
}

// convertTurns maps turns to chat messages. The speaker name is folded
// into the content because the API's name field rejects spaces.
func convertTurns(turns []models.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		switch t.Role {
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: t.Text()})
	}
	return out
}

// fragmentStream adapts the SDK stream to completion.Stream.
type fragmentStream struct {
	stream *openai.ChatCompletionStream
	model  string
}

func (s *fragmentStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", wrapError(err, s.model)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *fragmentStream) Close() error {
	return s.stream.Close()
}

// wrapError converts SDK errors into completion.ProviderError. Context
// errors are passed through untouched so cancellation stays recognizable.
func wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Type
		switch c := apiErr.Code.(type) {
		case string:
			if c != "" {
				code = c
			}
		case float64:
			code = fmt.Sprintf("%d", int(c))
		}
		return &completion.ProviderError{
			Provider: providerName,
			Model:    model,
			Status:   apiErr.HTTPStatusCode,
			Code:     code,
			Message:  apiErr.Message,
			Cause:    err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &completion.ProviderError{
			Provider: providerName,
			Model:    model,
			Status:   reqErr.HTTPStatusCode,
			Message:  reqErr.HTTPStatus,
			Cause:    err,
		}
	}

	return &completion.ProviderError{Provider: providerName, Model: model, Cause: err}
}

func withRetryAfter(err error, after time.Duration) error {
	var perr *completion.ProviderError
	if after > 0 && errors.As(err, &perr) {
		perr.RetryAfter = after
	}
	return err
}

type retryHintKey struct{}

// retryHint holds the Retry-After of the last failed response of one call.
type retryHint struct {
	after atomic.Int64
}

func (h *retryHint) get() time.Duration {
	return time.Duration(h.after.Load())
}

// hintTransport records Retry-After on error responses for requests that
// carry a retryHint.
type hintTransport struct {
	next http.RoundTripper
}

func (t *hintTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}
	if hint, ok := req.Context().Value(retryHintKey{}).(*retryHint); ok {
		hint.after.Store(int64(completion.ParseRetryAfter(resp.Header, time.Now())))
	}
	return resp, err
}
