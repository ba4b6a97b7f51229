package llm

import (
	"context"
	"testing"
	"time"
)

type fakeProvider struct {
	name string
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return &CompletionResponse{Content: "from " + f.name, Model: req.Model}, nil
}

func TestRouterProviderFor(t *testing.T) {
	deflt := &fakeProvider{name: "openrouter"}
	anth := &fakeProvider{name: "anthropic"}
	r := NewRouter(deflt, anth)

	cases := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-5", "anthropic"},
		{"anthropic/claude-3.5-haiku", "anthropic"},
		{"mistralai/ministral-8b", "openrouter"},
		{"google/gemini-2.0-flash", "openrouter"},
	}
	for _, tc := range cases {
		p, err := r.ProviderFor(tc.model)
		if err != nil {
			t.Fatalf("ProviderFor(%q): %v", tc.model, err)
		}
		if p.Name() != tc.want {
			t.Errorf("ProviderFor(%q) = %s, want %s", tc.model, p.Name(), tc.want)
		}
	}
}

func TestRouterNoAnthropicFallsToDefault(t *testing.T) {
	deflt := &fakeProvider{name: "openrouter"}
	r := NewRouter(deflt, nil)

	p, err := r.ProviderFor("claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("ProviderFor: %v", err)
	}
	if p.Name() != "openrouter" {
		t.Errorf("got %s, want openrouter", p.Name())
	}
}

func TestRouterStreamWrapsNonStreaming(t *testing.T) {
	r := NewRouter(&fakeProvider{name: "openrouter"}, nil)

	chunks, errs := r.Stream(context.Background(), CompletionRequest{Model: "some/model"})
	var got string
	for c := range chunks {
		got += c
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream err: %v", err)
	}
	if got != "from openrouter" {
		t.Errorf("got %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	rl := &ProviderError{Message: "too many requests", StatusCode: 429, RetryAfter: 5 * time.Second}
	if !IsRateLimit(rl) || !IsTransient(rl) {
		t.Error("429 should be rate limit and transient")
	}
	if RetryAfter(rl) != 5*time.Second {
		t.Errorf("RetryAfter = %v, want 5s", RetryAfter(rl))
	}

	srv := &ProviderError{Message: "oops", StatusCode: 503}
	if IsRateLimit(srv) {
		t.Error("503 is not a rate limit")
	}
	if !IsTransient(srv) {
		t.Error("503 should be transient")
	}

	bad := &ProviderError{Message: "bad request", StatusCode: 400}
	if IsTransient(bad) {
		t.Error("400 should not be transient")
	}
	if IsTransient(context.Canceled) {
		t.Error("non-provider error should not be transient")
	}
}
