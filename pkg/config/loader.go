package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads, expands, merges, and validates the configuration file.
//
// Steps performed:
//  1. Read tumbler.yaml
//  2. Expand environment variables (${VAR} / $VAR)
//  3. Parse YAML (safe loader — data only, no code evaluation)
//  4. Merge onto built-in defaults (non-zero file values win; a zero value
//     in the file — 0, false, "" — leaves the default in place)
//  5. Validate and normalize (memory strings, provider wiring)
func Load(path string) (*Config, error) {
	log := slog.With("config_path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	merged := defaultConfig()
	if err := mergo.Merge(merged, &cfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging config defaults: %w", err)
	}

	if err := validate(merged); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	log.Info("Configuration loaded",
		"workspace", merged.Workspace.Root,
		"providers", len(merged.Providers),
		"max_concurrent_projects", merged.Orchestrator.MaxConcurrentProjects,
		"mirror_enabled", merged.Database.DSN != "")
	return merged, nil
}

// ExpandEnv expands environment variables in YAML content. Supports ${VAR}
// and $VAR. Missing variables expand to empty string; validation catches
// required fields left empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
