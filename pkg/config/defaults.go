package config

import "time"

// Default limits. Sandbox memory intentionally sits at 1 GiB with 256 pids;
// both are configurable per deployment.
const (
	DefaultMaxConcurrentProjects = 3
	DefaultProjectTimeout        = Duration(3600 * time.Second)
	DefaultShutdownDrain         = Duration(10 * time.Second)
	DefaultAgentRetries          = 1
	DefaultWatcherDebounce       = Duration(2 * time.Second)

	DefaultMaxIterations    = 5
	DefaultQualityThreshold = 8.0

	DefaultSandboxCPUs    = 1.0
	DefaultSandboxMemory  = "1g"
	DefaultSandboxPids    = 256
	DefaultInstallTimeout = Duration(300 * time.Second)
	DefaultBuildTimeout   = Duration(300 * time.Second)
	DefaultTestTimeout    = Duration(120 * time.Second)
	DefaultLintTimeout    = Duration(60 * time.Second)

	DefaultHTTPAddr = ":8080"
)

// defaultConfig returns the baseline every loaded file is merged onto.
func defaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{Root: "./workspace"},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentProjects: DefaultMaxConcurrentProjects,
			ProjectTimeout:        DefaultProjectTimeout,
			ShutdownDrain:         DefaultShutdownDrain,
			AgentRetries:          DefaultAgentRetries,
			WatcherDebounce:       DefaultWatcherDebounce,
		},
		Defaults: ProjectDefaults{
			MaxIterations:    DefaultMaxIterations,
			QualityThreshold: DefaultQualityThreshold,
		},
		Sandbox: SandboxConfig{
			Resources: SandboxResources{
				CPUs:      DefaultSandboxCPUs,
				Memory:    DefaultSandboxMemory,
				PidsLimit: DefaultSandboxPids,
			},
			InstallTimeout: DefaultInstallTimeout,
			BuildTimeout:   DefaultBuildTimeout,
			TestTimeout:    DefaultTestTimeout,
			LintTimeout:    DefaultLintTimeout,
		},
		HTTP: HTTPConfig{Enabled: true, Addr: DefaultHTTPAddr},
	}
}
