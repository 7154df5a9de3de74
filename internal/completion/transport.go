package completion

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// Request is one shaped completion request.
type Request struct {
	Model string

	// Turns starts with the system turn, when one is configured, and ends
	// with the new user turn.
	Turns []models.Turn

	MaxOutputTokens int

	// Sampling parameters; nil leaves the provider default.
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64

	Stream bool
}

// Stream yields text fragments. Recv returns io.EOF after the last one.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Response is what a transport returns: Text for a whole response, or a
// Stream when streaming was requested.
type Response struct {
	Text   string
	Stream Stream
}

// Transport issues a single completion request with one credential.
//
// Implementations must honour ctx cancellation and return provider
// failures as *ProviderError so they can be classified.
type Transport interface {
	Name() string
	Complete(ctx context.Context, apiKey string, req *Request) (*Response, error)
}
