// Package embedders provides embedding clients used by the semantic
// completion cache to vectorize prompts.
package embedders

import (
	"context"
	"fmt"

	"github.com/voxtera/maestro/pkg/config"
)

// Client produces a vector embedding for a piece of text.
type Client interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// NewFromConfig builds the embedding client named by the config. The openai
// provider also covers compatible hosts behind a custom host.
func NewFromConfig(cfg config.EmbedderConfig) (Client, error) {
	switch cfg.Provider {
	case "openai", "azure", "openrouter":
		var opts []OpenAIOption
		if cfg.Host != "" {
			opts = append(opts, WithHost(cfg.Host))
		}
		return NewOpenAI(cfg.Model, cfg.APIKey, opts...), nil
	case "ollama":
		var opts []OllamaOption
		if cfg.Host != "" {
			opts = append(opts, WithOllamaHost(cfg.Host))
		}
		return NewOllama(cfg.Model, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s", cfg.Provider)
	}
}
