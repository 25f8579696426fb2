// Package config loads and validates tumbler.yaml, the daemon's single
// configuration file. Secrets never appear in the file itself: provider keys
// are referenced by environment variable name and read at client build time.
package config

import (
	"github.com/lealvona/code-tumbler/pkg/models"
)

// Config is the fully merged and validated daemon configuration.
type Config struct {
	Workspace    WorkspaceConfig           `yaml:"workspace"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Defaults     ProjectDefaults           `yaml:"defaults"`
	Sandbox      SandboxConfig             `yaml:"sandbox"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Agents       AgentsConfig              `yaml:"agents"`
	Database     DatabaseConfig            `yaml:"database"`
	Compression  models.CompressionConfig  `yaml:"compression"`
	HTTP         HTTPConfig                `yaml:"http"`
	Events       EventsConfig              `yaml:"events"`
}

// WorkspaceConfig locates the project workspace.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// OrchestratorConfig bounds the daemon's global behavior.
type OrchestratorConfig struct {
	MaxConcurrentProjects int      `yaml:"max_concurrent_projects"`
	ProjectTimeout        Duration `yaml:"project_timeout"`
	ShutdownDrain         Duration `yaml:"shutdown_drain"`
	AgentRetries          int      `yaml:"agent_retries"`
	WatcherDebounce       Duration `yaml:"watcher_debounce"`
}

// ProjectDefaults seeds new projects that do not specify their own limits.
type ProjectDefaults struct {
	MaxIterations    int     `yaml:"max_iterations"`
	QualityThreshold float64 `yaml:"quality_threshold"`
	// MaxCost of 0 disables the budget cap.
	MaxCost float64 `yaml:"max_cost"`
}

// SandboxResources are per-container limits.
type SandboxResources struct {
	CPUs float64 `yaml:"cpus"`
	// Memory accepts go-units strings ("1g", "512m"). Parsed during
	// validation into MemoryBytes.
	Memory      string `yaml:"memory"`
	MemoryBytes int64  `yaml:"-"`
	PidsLimit   int64  `yaml:"pids_limit"`
}

// SandboxConfig controls the container executor.
type SandboxConfig struct {
	// ProxyEndpoint is the restricted container proxy (container + image
	// operations only). Empty selects the runtime's default socket, which
	// is only appropriate for development.
	ProxyEndpoint string           `yaml:"proxy_endpoint"`
	Resources     SandboxResources `yaml:"resources"`
	// Images overrides the default image per runtime name.
	Images map[string]string `yaml:"images"`
	// EgressNetwork is the docker network attached during install. Empty
	// disables install-phase networking entirely.
	EgressNetwork string `yaml:"egress_network"`
	// RequiredAtStartup makes an unreachable proxy a fatal startup error
	// instead of deferring to code-review-only mode per run.
	RequiredAtStartup bool `yaml:"required_at_startup"`

	InstallTimeout Duration `yaml:"install_timeout"`
	BuildTimeout   Duration `yaml:"build_timeout"`
	TestTimeout    Duration `yaml:"test_timeout"`
	LintTimeout    Duration `yaml:"lint_timeout"`
}

// ProviderConfig describes one LLM provider entry in the registry.
type ProviderConfig struct {
	// Type selects the factory: "openai-compatible" (also Ollama/vLLM) or
	// "anthropic".
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the key. The key
	// itself never appears in config, state, or logs.
	APIKeyEnv   string   `yaml:"api_key_env"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`

	// Pricing per 1000 tokens, used for budget accounting.
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`

	// Capability flags, exposed through the provider registry's
	// Capabilities lookup. The agent runner does not read them.
	SupportsAsync    bool `yaml:"supports_async"`
	ConcurrencyLimit int  `yaml:"concurrency_limit"`
}

// AgentsConfig maps each agent role to its default provider id. Per-project
// overrides in state take precedence.
type AgentsConfig struct {
	Architect string `yaml:"architect"`
	Engineer  string `yaml:"engineer"`
	Verifier  string `yaml:"verifier"`
}

// ProviderFor resolves the provider id for an agent, honoring overrides.
func (a AgentsConfig) ProviderFor(agent models.AgentName, overrides map[models.AgentName]string) string {
	if id, ok := overrides[agent]; ok && id != "" {
		return id
	}
	switch agent {
	case models.AgentArchitect:
		return a.Architect
	case models.AgentEngineer:
		return a.Engineer
	case models.AgentVerifier:
		return a.Verifier
	default:
		return ""
	}
}

// DatabaseConfig holds the optional mirror DSN. Empty disables the mirror.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// HTTPConfig controls the REST/WebSocket façade.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// EventsConfig tunes the in-process bus.
type EventsConfig struct {
	QueueSize    int      `yaml:"queue_size"`
	BlockTimeout Duration `yaml:"block_timeout"`
}
