package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nevindra/confluence"
)

// Provider implements confluence.ModelClient and
// confluence.StreamingModelClient for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE, ParseResponse)
// to handle body building, streaming, and response parsing.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek, Mistral,
// Ollama, vLLM, LM Studio, and any other provider that implements the
// OpenAI chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Model returns the model name sent with every request.
func (p *Provider) Model() string { return p.model }

// body builds the request body. A temperature on req overrides the
// provider's options because options are applied in order (last wins).
func (p *Provider) body(req confluence.PromptRequest) ChatRequest {
	opts := p.opts
	if req.Temperature != nil {
		opts = append(opts[:len(opts):len(opts)], WithTemperature(*req.Temperature))
	}
	return BuildBody(req.Messages, req.Tools, p.model, opts...)
}

// Prompt sends a non-streaming chat request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Prompt(ctx context.Context, req confluence.PromptRequest) ([]confluence.AgentResponse, error) {
	resp, err := p.sendHTTP(ctx, p.body(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &confluence.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(chatResp), nil
}

// PromptStream streams the response as updates. An HTTP failure is the
// sequence's only element.
func (p *Provider) PromptStream(ctx context.Context, req confluence.PromptRequest) iter.Seq2[confluence.ResponseUpdate, error] {
	return func(yield func(confluence.ResponseUpdate, error) bool) {
		body := p.body(req)
		body.Stream = true
		body.StreamOptions = &StreamOptions{IncludeUsage: true}

		resp, err := p.sendHTTP(ctx, body)
		if err != nil {
			yield(confluence.ResponseUpdate{}, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(confluence.ResponseUpdate{}, p.httpErr(resp))
			return
		}
		for u, err := range StreamSSE(ctx, resp.Body, confluence.NewID(), p.logger) {
			if !yield(u, err) || err != nil {
				return
			}
		}
	}
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &confluence.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &confluence.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &confluence.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	return resp, nil
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &confluence.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: confluence.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface checks.
var (
	_ confluence.ModelClient          = (*Provider)(nil)
	_ confluence.StreamingModelClient = (*Provider)(nil)
)
