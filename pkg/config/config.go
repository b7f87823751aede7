// Package config loads and validates the runtime configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/voxtera/maestro/pkg/observability"
)

type Config struct {
	LLM     LLMConfig            `yaml:"llm"`
	Agent   AgentConfig          `yaml:"agent"`
	Context ContextConfig        `yaml:"context"`
	Tools   ToolsConfig          `yaml:"tools"`
	Cache   CacheConfig          `yaml:"cache"`
	Logging LoggingConfig        `yaml:"logging"`
	Tracing observability.Config `yaml:"observability"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Host        string  `yaml:"host"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutMs   int     `yaml:"timeout_ms"`
}

type AgentConfig struct {
	MaxSteps      int    `yaml:"max_steps"`
	SystemMessage string `yaml:"system_message"`
	AllowOverflow bool   `yaml:"allow_overflow"`
}

type ContextConfig struct {
	HeadroomPercent                int   `yaml:"headroom_percent"`
	EnableDeterministicCompression *bool `yaml:"enable_deterministic_compression"`
	EnableLLMCompression           bool  `yaml:"enable_llm_compression"`
	SummaryTokenTarget             int   `yaml:"summary_token_target"`
}

// DeterministicCompression reports the compression-mode flag, enabled unless
// explicitly switched off.
func (c *ContextConfig) DeterministicCompression() bool {
	return c.EnableDeterministicCompression == nil || *c.EnableDeterministicCompression
}

type ToolsConfig struct {
	ExecutionStrategy string `yaml:"execution_strategy"`
	DefaultTimeoutMs  int    `yaml:"default_timeout_ms"`
}

type CacheConfig struct {
	Enabled             bool           `yaml:"enabled"`
	SimilarityThreshold float64        `yaml:"similarity_threshold"`
	TTLMs               int            `yaml:"ttl_ms"`
	MaxEntries          int            `yaml:"max_entries"`
	Embedder            EmbedderConfig `yaml:"embedder"`
}

type EmbedderConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Host     string `yaml:"host"`
	APIKey   string `yaml:"api_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *ToolsConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// SetDefaults fills zero-valued fields with working defaults so a minimal
// config file (or none at all) still yields a runnable runtime.
func (c *Config) SetDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.TimeoutMs == 0 {
		c.LLM.TimeoutMs = 120000
	}
	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 16
	}
	if c.Context.HeadroomPercent == 0 {
		c.Context.HeadroomPercent = 8
	}
	if c.Context.SummaryTokenTarget == 0 {
		c.Context.SummaryTokenTarget = 400
	}
	if c.Tools.ExecutionStrategy == "" {
		c.Tools.ExecutionStrategy = "parallel"
	}
	if c.Tools.DefaultTimeoutMs == 0 {
		c.Tools.DefaultTimeoutMs = 30000
	}
	if c.Cache.SimilarityThreshold == 0 {
		c.Cache.SimilarityThreshold = 0.9
	}
	if c.Cache.TTLMs == 0 {
		c.Cache.TTLMs = int((5 * time.Minute).Milliseconds())
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 1024
	}
	if c.Cache.Embedder.Provider == "" {
		c.Cache.Embedder.Provider = "openai"
	}
	if c.Cache.Embedder.Model == "" {
		switch c.Cache.Embedder.Provider {
		case "ollama":
			c.Cache.Embedder.Model = "nomic-embed-text"
		default:
			c.Cache.Embedder.Model = "text-embedding-3-small"
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Tracing.Tracing.SamplingRate == 0 {
		c.Tracing.Tracing.SamplingRate = 1.0
	}
	if c.Tracing.Metrics.Port == 0 {
		c.Tracing.Metrics.Port = 9090
	}
}

func (c *Config) Validate() error {
	if c.Context.HeadroomPercent < 0 || c.Context.HeadroomPercent > 50 {
		return fmt.Errorf("context headroom_percent must be within [0, 50], got %d", c.Context.HeadroomPercent)
	}

	if err := validateStrategy(c.Tools.ExecutionStrategy); err != nil {
		return err
	}

	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache similarity_threshold must be within [0, 1], got %v", c.Cache.SimilarityThreshold)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache max_entries must not be negative, got %d", c.Cache.MaxEntries)
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent max_steps must be positive, got %d", c.Agent.MaxSteps)
	}
	if c.Tools.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("tools default_timeout_ms must be positive, got %d", c.Tools.DefaultTimeoutMs)
	}
	return nil
}

func validateStrategy(s string) error {
	switch s {
	case "sequential", "parallel":
		return nil
	}
	var limit int
	if n, err := fmt.Sscanf(s, "parallel_limit:%d", &limit); err == nil && n == 1 {
		if limit <= 0 {
			return fmt.Errorf("parallel limit must be positive, got %d", limit)
		}
		return nil
	}
	return fmt.Errorf("invalid tool execution strategy %q (want sequential, parallel, or parallel_limit:<n>)", s)
}
