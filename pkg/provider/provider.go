// Package provider shapes provider-agnostic requests into each backend's
// wire format and normalizes each backend's stream frames into deltas. All
// per-provider knowledge lives behind the Adapter interface so the decode
// loop and checkpoint logic are written once.
package provider

import (
	"context"
	"net/http"

	"github.com/bytechat/engine/pkg/domain"
)

// Adapter is the per-provider capability selected once per call.
type Adapter interface {
	Target() domain.ProviderTarget

	// NewRequest composes the provider-shaped streaming HTTP request.
	NewRequest(ctx context.Context, req domain.StreamRequest) (*http.Request, error)

	// ExtractDelta maps one decoded frame payload to at most one delta. A
	// payload that explicitly encodes an error yields *domain.UpstreamPayloadError;
	// a payload that fails to parse yields *domain.DecodeError.
	ExtractDelta(payload []byte) (domain.Delta, error)
}

const (
	DefaultOpenAIBaseURL    = "https://api.openai.com"
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	DefaultGeminiBaseURL    = "https://generativelanguage.googleapis.com"
	DefaultMeteredBaseURL   = "http://localhost:8000"
)

type Config struct {
	OpenAIBaseURL    string
	AnthropicBaseURL string
	GeminiBaseURL    string
	MeteredBaseURL   string
}

func (c Config) withDefaults() Config {
	if c.OpenAIBaseURL == "" {
		c.OpenAIBaseURL = DefaultOpenAIBaseURL
	}
	if c.AnthropicBaseURL == "" {
		c.AnthropicBaseURL = DefaultAnthropicBaseURL
	}
	if c.GeminiBaseURL == "" {
		c.GeminiBaseURL = DefaultGeminiBaseURL
	}
	if c.MeteredBaseURL == "" {
		c.MeteredBaseURL = DefaultMeteredBaseURL
	}
	return c
}

type Registry struct {
	adapters map[domain.ProviderTarget]Adapter
}

func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	adapters := map[domain.ProviderTarget]Adapter{
		domain.ProviderOpenAI:    &openAIAdapter{baseURL: cfg.OpenAIBaseURL},
		domain.ProviderAnthropic: &anthropicAdapter{baseURL: cfg.AnthropicBaseURL},
		domain.ProviderGemini:    &geminiAdapter{baseURL: cfg.GeminiBaseURL},
		domain.ProviderMetered:   &meteredAdapter{baseURL: cfg.MeteredBaseURL},
	}
	return &Registry{adapters: adapters}
}

// ForTarget selects the adapter for a provider target. Unknown targets fail
// before any network call.
func (r *Registry) ForTarget(target domain.ProviderTarget) (Adapter, error) {
	adapter, ok := r.adapters[target]
	if !ok {
		return nil, &domain.UnsupportedProviderError{Target: target}
	}
	return adapter, nil
}
