package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// OpenRouterProvider implements Provider and StreamProvider for
// OpenRouter and any other OpenAI-compatible chat completion API.
type OpenRouterProvider struct {
	baseURL string
	apiKey  string
	siteURL string
	appName string
	client  *http.Client
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterChatReq struct {
	Model       string          `json:"model"`
	Messages    []openRouterMsg `json:"messages"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message      openRouterMsg `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenRouter creates an OpenRouter-compatible provider.
func NewOpenRouter(baseURL, apiKey, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		siteURL: siteURL,
		appName: appName,
		// Streaming responses can stay open well past a normal request
		// timeout; per-call deadlines come from ctx.
		client: &http.Client{Timeout: 0},
	}
}

func (p *OpenRouterProvider) Name() string { return "openrouter" }

func (p *OpenRouterProvider) newRequest(ctx context.Context, body openRouterChatReq) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := strings.TrimRight(p.baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.siteURL != "" {
		req.Header.Set("HTTP-Referer", p.siteURL)
	}
	if p.appName != "" {
		req.Header.Set("X-Title", p.appName)
	}
	return req, nil
}

func (p *OpenRouterProvider) buildBody(req CompletionRequest, stream bool) openRouterChatReq {
	msgs := make([]openRouterMsg, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openRouterMsg{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openRouterMsg{Role: m.Role, Content: m.Content})
	}
	return openRouterChatReq{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

// statusError converts a non-2xx response into a ProviderError, carrying
// the Retry-After header when the server sent one.
func (p *OpenRouterProvider) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	pe := &ProviderError{
		Message:    msg,
		StatusCode: resp.StatusCode,
		Provider:   p.Name(),
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			pe.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return pe
}

func (p *OpenRouterProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return nil, &ProviderError{Message: "api key is required", Provider: p.Name()}
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, &ProviderError{Message: "model is required", Provider: p.Name()}
	}

	httpReq, err := p.newRequest(ctx, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Message: err.Error(), Provider: p.Name()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.statusError(resp)
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, &ProviderError{Message: decoded.Error.Message, Provider: p.Name()}
	}
	if len(decoded.Choices) == 0 {
		return nil, &ProviderError{Message: "empty response", Provider: p.Name()}
	}

	return &CompletionResponse{
		Content:      decoded.Choices[0].Message.Content,
		Model:        decoded.Model,
		InputTokens:  decoded.Usage.PromptTokens,
		OutputTokens: decoded.Usage.CompletionTokens,
		StopReason:   decoded.Choices[0].FinishReason,
	}, nil
}

// Stream sends a streaming completion and emits SSE content deltas.
func (p *OpenRouterProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if strings.TrimSpace(p.apiKey) == "" {
			errs <- &ProviderError{Message: "api key is required", Provider: p.Name()}
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			errs <- &ProviderError{Message: "model is required", Provider: p.Name()}
			return
		}

		httpReq, err := p.newRequest(ctx, p.buildBody(req, true))
		if err != nil {
			errs <- err
			return
		}
		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- &ProviderError{Message: err.Error(), Provider: p.Name()}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- p.statusError(resp)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- fmt.Errorf("parse stream event: %w", err)
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- &ProviderError{Message: decoded.Error.Message, Provider: p.Name()}
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			if delta := decoded.Choices[0].Delta.Content; delta != "" {
				select {
				case chunks <- delta:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
		if err := sc.Err(); err != nil {
			errs <- fmt.Errorf("read stream: %w", err)
		}
	}()

	return chunks, errs
}
