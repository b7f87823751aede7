package llms

import (
	"fmt"
	"time"

	"github.com/voxtera/maestro/pkg/config"
	"github.com/voxtera/maestro/pkg/registry"
)

// ProviderRegistry holds named provider instances for runtimes that juggle
// more than one model.
type ProviderRegistry struct {
	*registry.BaseRegistry[Provider]
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

func (r *ProviderRegistry) Close() error {
	var firstErr error
	for _, p := range r.List() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewProviderFromConfig builds a provider for the configured backend.
func NewProviderFromConfig(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai", "azure", "ollama", "openrouter":
		opts := []OpenAIOption{
			WithMaxTokens(cfg.MaxTokens),
			WithTemperature(cfg.Temperature),
		}
		if cfg.Host != "" {
			opts = append(opts, WithHost(cfg.Host))
		}
		if cfg.TimeoutMs > 0 {
			opts = append(opts, WithTimeout(time.Duration(cfg.TimeoutMs)*time.Millisecond))
		}
		return NewOpenAIProvider(cfg.Provider, cfg.Model, cfg.APIKey, opts...), nil

	case "anthropic":
		opts := []AnthropicOption{WithAnthropicMaxTokens(cfg.MaxTokens)}
		if cfg.Host != "" {
			opts = append(opts, WithAnthropicHost(cfg.Host))
		}
		return NewAnthropicProvider(cfg.Model, cfg.APIKey, opts...), nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
}
