// Package factory builds the configured LLM provider
package factory

import (
	"context"
	"fmt"

	"github.com/gliderlab/aiosgate/pkg/config"
	"github.com/gliderlab/aiosgate/pkg/llm"
	"github.com/gliderlab/aiosgate/pkg/llm/providers/google"
	"github.com/gliderlab/aiosgate/pkg/llm/providers/openai"
)

// New returns the provider selected by cfg.Provider. An empty provider with
// no API key falls back to the offline echo provider.
func New(ctx context.Context, cfg config.AgentConfig) (llm.Provider, error) {
	switch llm.ProviderType(cfg.Provider) {
	case llm.ProviderOpenAI:
		return openai.New(openai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	case llm.ProviderGoogle:
		return google.New(ctx, google.Config{APIKey: cfg.APIKey, Model: cfg.Model})
	case llm.ProviderEcho:
		return &llm.EchoProvider{}, nil
	case "":
		if cfg.APIKey != "" {
			return nil, fmt.Errorf("%w: api key set without a provider", llm.ErrNoProvider)
		}
		return &llm.EchoProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", llm.ErrNoProvider, cfg.Provider)
	}
}
