package main

import (
	"fmt"

	"github.com/voxtera/maestro/pkg/embedders"
	"github.com/voxtera/maestro/pkg/llms"
)

// ValidateCmd checks that the configuration is coherent and that the
// configured provider has the credentials it needs, without issuing any
// completion requests.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	provider, err := llms.NewProviderFromConfig(cfg.LLM)
	if err != nil {
		return err
	}
	defer provider.Close()
	if err := provider.Validate(); err != nil {
		return err
	}

	if cfg.Cache.Enabled {
		if _, err := embedders.NewFromConfig(cfg.Cache.Embedder); err != nil {
			return err
		}
	}

	fmt.Printf("configuration OK: provider=%s model=%s strategy=%s max_steps=%d\n",
		cfg.LLM.Provider, cfg.LLM.Model, cfg.Tools.ExecutionStrategy, cfg.Agent.MaxSteps)
	return nil
}
