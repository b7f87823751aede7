package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads an optional YAML file, expands environment references, applies
// MAESTRO-style environment overrides, then fills defaults and validates.
// An empty path yields a default config driven purely by the environment.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		expanded := ExpandEnvVarsInData(raw)

		normalized, err := yaml.Marshal(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize config: %w", err)
		}
		if err := yaml.Unmarshal(normalized, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = ProviderAPIKey(cfg.LLM.Provider)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps flat environment keys onto the config. Environment
// values win over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLM_MODEL"); v != "" {
		provider, model := SplitModelRef(v)
		if provider != "" {
			cfg.LLM.Provider = provider
		}
		cfg.LLM.Model = model
	}
	setInt(&cfg.Context.HeadroomPercent, "CONTEXT_HEADROOM_PERCENT")
	setBoolPtr(&cfg.Context.EnableDeterministicCompression, "CONTEXT_ENABLE_DETERMINISTIC_COMPRESSION")
	setBool(&cfg.Context.EnableLLMCompression, "CONTEXT_ENABLE_LLM_COMPRESSION")
	setInt(&cfg.Context.SummaryTokenTarget, "CONTEXT_SUMMARY_TOKEN_TARGET")
	if v := os.Getenv("TOOL_EXECUTION_STRATEGY"); v != "" {
		cfg.Tools.ExecutionStrategy = v
	}
	setInt(&cfg.Tools.DefaultTimeoutMs, "TOOL_DEFAULT_TIMEOUT_MS")
	setFloat(&cfg.Cache.SimilarityThreshold, "CACHE_SIMILARITY_THRESHOLD")
	setInt(&cfg.Cache.TTLMs, "CACHE_TTL_MS")
	setInt(&cfg.Cache.MaxEntries, "CACHE_MAX_ENTRIES")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// SplitModelRef splits a "provider/model" reference. Model names may contain
// slashes themselves (openrouter), so only the first separator counts.
func SplitModelRef(ref string) (provider, model string) {
	if i := strings.Index(ref, "/"); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setBoolPtr(dst **bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = &b
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
