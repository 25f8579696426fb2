package config

import (
	"fmt"

	"github.com/docker/go-units"
)

// providerTypes lists the registry factory names pkg/llm implements.
var providerTypes = map[string]bool{
	"openai-compatible": true,
	"anthropic":         true,
}

// validate checks the merged configuration and normalizes derived fields.
func validate(cfg *Config) error {
	if cfg.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if cfg.Orchestrator.MaxConcurrentProjects < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_projects must be >= 1, got %d",
			cfg.Orchestrator.MaxConcurrentProjects)
	}
	if cfg.Orchestrator.AgentRetries < 0 {
		return fmt.Errorf("orchestrator.agent_retries must be >= 0, got %d",
			cfg.Orchestrator.AgentRetries)
	}
	if cfg.Defaults.QualityThreshold < 0 || cfg.Defaults.QualityThreshold > 10 {
		return fmt.Errorf("defaults.quality_threshold must be in [0,10], got %.2f",
			cfg.Defaults.QualityThreshold)
	}
	if cfg.Defaults.MaxIterations < 1 {
		return fmt.Errorf("defaults.max_iterations must be >= 1, got %d",
			cfg.Defaults.MaxIterations)
	}
	if cfg.Defaults.MaxCost < 0 {
		return fmt.Errorf("defaults.max_cost must be >= 0, got %.4f", cfg.Defaults.MaxCost)
	}

	mem, err := units.RAMInBytes(cfg.Sandbox.Resources.Memory)
	if err != nil {
		return fmt.Errorf("sandbox.resources.memory %q: %w", cfg.Sandbox.Resources.Memory, err)
	}
	cfg.Sandbox.Resources.MemoryBytes = mem
	if cfg.Sandbox.Resources.CPUs <= 0 {
		return fmt.Errorf("sandbox.resources.cpus must be > 0, got %.2f", cfg.Sandbox.Resources.CPUs)
	}
	if cfg.Sandbox.Resources.PidsLimit < 1 {
		return fmt.Errorf("sandbox.resources.pids_limit must be >= 1, got %d",
			cfg.Sandbox.Resources.PidsLimit)
	}

	for id, p := range cfg.Providers {
		if !providerTypes[p.Type] {
			return fmt.Errorf("provider %s: unknown type %q", id, p.Type)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %s: model is required", id)
		}
		if p.Type == "openai-compatible" && p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url is required for openai-compatible", id)
		}
		if p.InputCostPer1K < 0 || p.OutputCostPer1K < 0 {
			return fmt.Errorf("provider %s: negative pricing", id)
		}
	}

	// Each agent's default provider must exist when any providers are
	// configured at all.
	if len(cfg.Providers) > 0 {
		for _, pair := range []struct{ agent, id string }{
			{"architect", cfg.Agents.Architect},
			{"engineer", cfg.Agents.Engineer},
			{"verifier", cfg.Agents.Verifier},
		} {
			if pair.id == "" {
				return fmt.Errorf("agents.%s: no provider configured", pair.agent)
			}
			if _, ok := cfg.Providers[pair.id]; !ok {
				return fmt.Errorf("agents.%s: unknown provider %q", pair.agent, pair.id)
			}
		}
	}

	if cfg.Compression.TargetRatio < 0 || cfg.Compression.TargetRatio > 1 {
		return fmt.Errorf("compression.target_ratio must be in [0,1], got %.2f",
			cfg.Compression.TargetRatio)
	}
	return nil
}
