package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	Audit        AuditConfig        `mapstructure:"audit"`
	State        StateConfig        `mapstructure:"state"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Lock         LockConfig         `mapstructure:"lock"`
	Git          GitConfig          `mapstructure:"git"`
	Runtime      RuntimeConfig      `mapstructure:"runtime"`
	Server       ServerConfig       `mapstructure:"server"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WorkspaceConfig locates the assessed repository and its output directories.
type WorkspaceConfig struct {
	Path            string `mapstructure:"path"`
	DeliverablesDir string `mapstructure:"deliverables_dir"`
	// OutputsDir holds agent scratch output that survives rollbacks.
	OutputsDir string `mapstructure:"outputs_dir"`
	// Archive renames the deliverables directory when a session finishes.
	Archive bool `mapstructure:"archive"`
}

// AuditConfig configures the per-session audit trail.
type AuditConfig struct {
	Dir    string `mapstructure:"dir"`
	Redact bool   `mapstructure:"redact"`
}

// StateConfig configures session persistence.
type StateConfig struct {
	Dir     string `mapstructure:"dir"`
	Backend string `mapstructure:"backend"`
}

// RegistryConfig points at prompt templates and per-unit overrides.
type RegistryConfig struct {
	PromptsDir    string `mapstructure:"prompts_dir"`
	OverridesFile string `mapstructure:"overrides_file"`
}

// OrchestratorConfig holds the per-unit retry and runtime limits.
type OrchestratorConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	TurnCeiling  int           `mapstructure:"turn_ceiling"`
	AllowedTools []string      `mapstructure:"allowed_tools"`
}

// SchedulerConfig bounds parallel phases.
type SchedulerConfig struct {
	MaxConcurrency           int           `mapstructure:"max_concurrency"`
	Stagger                  time.Duration `mapstructure:"stagger"`
	ContinueOnPartialFailure bool          `mapstructure:"continue_on_partial_failure"`
}

// LockConfig configures cross-process file locks.
type LockConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// GitConfig configures workspace version-control commands.
type GitConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	LockRetries   int           `mapstructure:"lock_retries"`
	LockBaseDelay time.Duration `mapstructure:"lock_base_delay"`
}

// RuntimeConfig describes the agent command launched for every attempt.
type RuntimeConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// Env entries are KEY=VALUE pairs added to the agent's environment.
	Env         []string      `mapstructure:"env"`
	TurnsFlag   string        `mapstructure:"turns_flag"`
	ToolsFlag   string        `mapstructure:"tools_flag"`
	Timeout     time.Duration `mapstructure:"timeout"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}
