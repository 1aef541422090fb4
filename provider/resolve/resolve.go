// Package resolve builds a confluence.ModelClient from provider-agnostic
// configuration, wrapping it with retry and rate limiting as configured.
package resolve

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/confluence"
	"github.com/nevindra/confluence/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a ModelClient.
type Config struct {
	Provider string // "openai", "openrouter", "gemini", "groq", "deepseek", "together", "mistral", "ollama", "custom"
	APIKey   string
	Model    string
	BaseURL  string // required for "custom"; auto-filled for known providers

	// Common cross-provider options (nil/zero = use provider default).
	TopP      *float64
	MaxTokens int
	Stop      []string
	Seed      *int

	// Retry wraps the client with confluence.WithRetry when RetryAttempts > 1.
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryTimeout   time.Duration

	// RPM and TPM wrap the client with confluence.WithRateLimit when > 0.
	RPM int
	TPM int

	Logger *slog.Logger
}

// Provider creates a confluence.ModelClient from a provider-agnostic Config.
// Rate limiting wraps retry, so retried attempts do not consume extra
// request budget.
func Provider(cfg Config) (confluence.ModelClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: unknown provider %q (set a base URL)", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("resolve: no model configured for provider %q", cfg.Provider)
	}

	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.Provider)}
	if cfg.Logger != nil {
		provOpts = append(provOpts, openaicompat.WithLogger(cfg.Logger))
	}
	var reqOpts []openaicompat.Option
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if cfg.MaxTokens > 0 {
		reqOpts = append(reqOpts, openaicompat.WithMaxTokens(cfg.MaxTokens))
	}
	if len(cfg.Stop) > 0 {
		reqOpts = append(reqOpts, openaicompat.WithStop(cfg.Stop...))
	}
	if cfg.Seed != nil {
		reqOpts = append(reqOpts, openaicompat.WithSeed(*cfg.Seed))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}

	var m confluence.ModelClient = openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
	if cfg.RetryAttempts > 1 {
		opts := []confluence.RetryOption{confluence.RetryMaxAttempts(cfg.RetryAttempts)}
		if cfg.RetryBaseDelay > 0 {
			opts = append(opts, confluence.RetryBaseDelay(cfg.RetryBaseDelay))
		}
		if cfg.RetryTimeout > 0 {
			opts = append(opts, confluence.RetryTimeout(cfg.RetryTimeout))
		}
		if cfg.Logger != nil {
			opts = append(opts, confluence.RetryLogger(cfg.Logger))
		}
		m = confluence.WithRetry(m, opts...)
	}
	if cfg.RPM > 0 || cfg.TPM > 0 {
		m = confluence.WithRateLimit(m, confluence.RPM(cfg.RPM), confluence.TPM(cfg.TPM))
	}
	return m, nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta/openai"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
