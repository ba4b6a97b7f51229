// Package llm provides the completion service contract and the provider
// implementations Chorus talks to.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "openrouter").
	Name() string

	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// StreamProvider is implemented by providers that can stream deltas.
// The chunks channel carries incremental content fragments and is closed
// when the stream ends; at most one error is delivered on errs.
type StreamProvider interface {
	Provider
	Stream(ctx context.Context, req CompletionRequest) (<-chan string, <-chan error)
}

// Router selects a provider for a model identifier. Anthropic model ids
// go to the Anthropic provider when one is configured; everything else
// goes to the default (OpenRouter-compatible) provider.
type Router struct {
	deflt     Provider
	anthropic Provider
}

// NewRouter creates a model router. anthropic may be nil.
func NewRouter(deflt, anthropic Provider) *Router {
	return &Router{deflt: deflt, anthropic: anthropic}
}

// ProviderFor resolves the provider responsible for a model id.
func (r *Router) ProviderFor(model string) (Provider, error) {
	lower := strings.ToLower(model)
	if r.anthropic != nil &&
		(strings.HasPrefix(lower, "claude") || strings.HasPrefix(lower, "anthropic/")) {
		return r.anthropic, nil
	}
	if r.deflt == nil {
		return nil, ErrNoProvider
	}
	return r.deflt, nil
}

// Complete routes a request to the provider for its model.
func (r *Router) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	p, err := r.ProviderFor(req.Model)
	if err != nil {
		return nil, err
	}
	return p.Complete(ctx, req)
}

// Stream routes a streaming request. Providers without native streaming
// are wrapped: the full completion arrives as a single chunk.
func (r *Router) Stream(ctx context.Context, req CompletionRequest) (<-chan string, <-chan error) {
	p, err := r.ProviderFor(req.Model)
	if err != nil {
		chunks := make(chan string)
		errs := make(chan error, 1)
		errs <- err
		close(chunks)
		close(errs)
		return chunks, errs
	}
	if sp, ok := p.(StreamProvider); ok {
		return sp.Stream(ctx, req)
	}
	chunks := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		resp, err := p.Complete(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		chunks <- resp.Content
	}()
	return chunks, errs
}

// ErrNoProvider is returned when no provider is configured for a model.
var ErrNoProvider = &ProviderError{Message: "no provider configured for model"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
	// RetryAfter is the server-suggested wait before retrying, when the
	// response carried one. Zero means no suggestion.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

// IsRateLimit reports whether err is a provider rate-limit rejection.
func IsRateLimit(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode == 429
}

// IsTransient reports whether err is worth retrying on the same model:
// rate limits, server errors, and timeouts.
func IsTransient(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch {
	case pe.StatusCode == 429:
		return true
	case pe.StatusCode >= 500:
		return true
	case pe.StatusCode == 408:
		return true
	}
	return false
}

// RetryAfter extracts the server-suggested retry delay, or zero.
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
