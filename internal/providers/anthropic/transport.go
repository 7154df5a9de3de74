// Package anthropic implements the completion transport over the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/relay/internal/completion"
	"github.com/haasonsaas/relay/pkg/models"
)

const providerName = "anthropic"

// Config configures the transport.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Transport issues messages requests with anthropic-sdk-go, one SDK client
// per API key.
//
// The Messages API has no frequency or presence penalties; those request
// fields are ignored.
type Transport struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*anthropic.Client
}

// New creates a transport.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:     cfg,
		clients: make(map[string]*anthropic.Client),
	}
}

// Name implements completion.Transport.
func (t *Transport) Name() string { return providerName }

func (t *Transport) client(apiKey string) *anthropic.Client {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[apiKey]; ok {
		return c
	}
	// Retries belong to the completion client, which rotates keys between them.
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if t.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(t.cfg.BaseURL))
	}
	if t.cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(t.cfg.HTTPClient))
	}
	c := anthropic.NewClient(opts...)
	t.clients[apiKey] = &c
	return &c
}

// Complete implements completion.Transport.
func (t *Transport) Complete(ctx context.Context, apiKey string, req *completion.Request) (*completion.Response, error) {
	if apiKey == "" {
		return nil, &completion.ProviderError{Provider: providerName, Model: req.Model, Status: http.StatusUnauthorized, Message: "empty API key"}
	}

	params := buildParams(req)
	c := t.client(apiKey)

	if req.Stream {
		stream := c.Messages.NewStreaming(ctx, params)
		fs := &fragmentStream{stream: stream, model: req.Model}
		// Prime the stream so HTTP failures surface here and can be
		// classified before anything is delivered.
		if err := fs.prime(); err != nil {
			_ = stream.Close()
			return nil, err
		}
		return &completion.Response{Stream: fs}, nil
	}

	msg, err := c.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapError(err, req.Model)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &completion.Response{Text: sb.String()}, nil
}

func buildParams(req *completion.Request) anthropic.MessageNewParams {
	system, messages := convertTurns(req.Turns)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxOutputTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	return params
}

// convertTurns lifts system turns into the system prompt and merges
// consecutive turns of the same role, since the API requires alternating
// roles starting with the user.
func convertTurns(turns []models.Turn) (string, []anthropic.MessageParam) {
	var system []string
	type pending struct {
		role  models.Role
		texts []string
	}
	var merged []pending

	for _, t := range turns {
		if t.Role == models.RoleSystem {
			system = append(system, t.Content)
			continue
		}
		role := models.RoleUser
		if t.Role == models.RoleAssistant {
			role = models.RoleAssistant
		}
		if n := len(merged); n > 0 && merged[n-1].role == role {
			merged[n-1].texts = append(merged[n-1].texts, t.Text())
			continue
		}
		merged = append(merged, pending{role: role, texts: []string{t.Text()}})
	}

	// A leading assistant turn has nothing to answer; drop it.
	for len(merged) > 0 && merged[0].role != models.RoleUser {
		merged = merged[1:]
	}

	messages := make([]anthropic.MessageParam, 0, len(merged))
	for _, m := range merged {
		block := anthropic.NewTextBlock(strings.Join(m.texts, "\n\n"))
		if m.role == models.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	return strings.Join(system, "\n\n"), messages
}

// fragmentStream adapts the SDK event stream to completion.Stream.
type fragmentStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
	model   string
	primed  bool
	pending string
	done    bool
}

// prime reads until the first text delta or the end of the stream.
func (s *fragmentStream) prime() error {
	frag, err := s.next()
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	s.primed = true
	s.pending = frag
	s.done = errors.Is(err, io.EOF)
	return nil
}

func (s *fragmentStream) Recv() (string, error) {
	if s.primed {
		s.primed = false
		if s.pending != "" {
			frag := s.pending
			s.pending = ""
			return frag, nil
		}
	}
	if s.done {
		return "", io.EOF
	}
	frag, err := s.next()
	if errors.Is(err, io.EOF) {
		s.done = true
	}
	return frag, err
}

func (s *fragmentStream) next() (string, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		if event.Type != "content_block_delta" {
			continue
		}
		delta := event.AsContentBlockDelta().Delta
		if delta.Type == "text_delta" && delta.Text != "" {
			return delta.Text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", wrapError(err, s.model)
	}
	return "", io.EOF
}

func (s *fragmentStream) Close() error {
	return s.stream.Close()
}

type errorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// wrapError converts SDK errors into completion.ProviderError. Context
// errors pass through so cancellation stays recognizable.
func wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &completion.ProviderError{Provider: providerName, Model: model, Cause: err}
	}

	perr := &completion.ProviderError{
		Provider: providerName,
		Model:    model,
		Status:   apiErr.StatusCode,
		Cause:    err,
	}
	if raw := apiErr.RawJSON(); raw != "" {
		var payload errorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			perr.Code = payload.Error.Type
			perr.Message = payload.Error.Message
		}
	}
	if perr.Message == "" {
		perr.Message = "anthropic request failed"
	}
	if apiErr.Response != nil {
		perr.RetryAfter = completion.ParseRetryAfter(apiErr.Response.Header, time.Now())
	}
	return perr
}
