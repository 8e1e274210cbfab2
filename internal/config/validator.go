package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/airsalso/dokodemodoor/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration. The returned error is a
// core.DomainError of kind validation wrapping ValidationErrors.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateWorkspace(&cfg.Workspace)
	v.validateAudit(&cfg.Audit)
	v.validateState(&cfg.State)
	v.validateOrchestrator(&cfg.Orchestrator)
	v.validateScheduler(&cfg.Scheduler)
	v.validateLock(&cfg.Lock)
	v.validateGit(&cfg.Git)
	v.validateRuntime(&cfg.Runtime)
	v.validateServer(&cfg.Server)

	if len(v.errors) > 0 {
		return core.ErrConfig(v.errors.Error()).WithCause(v.errors)
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateWorkspace(cfg *WorkspaceConfig) {
	if cfg.Path == "" {
		v.addError("workspace.path", cfg.Path, "path required")
	} else if !isValidPath(cfg.Path) {
		v.addError("workspace.path", cfg.Path, "invalid directory path")
	}

	for field, dir := range map[string]string{
		"workspace.deliverables_dir": cfg.DeliverablesDir,
		"workspace.outputs_dir":      cfg.OutputsDir,
	} {
		if !isRelativeSubdir(dir) {
			v.addError(field, dir, "must be a relative directory inside the workspace")
		}
	}
	if cfg.DeliverablesDir != "" && filepath.Clean(cfg.DeliverablesDir) == filepath.Clean(cfg.OutputsDir) {
		v.addError("workspace.outputs_dir", cfg.OutputsDir, "must differ from workspace.deliverables_dir")
	}
}

func (v *Validator) validateAudit(cfg *AuditConfig) {
	if cfg.Dir == "" {
		v.addError("audit.dir", cfg.Dir, "directory required")
	} else if !isValidPath(cfg.Dir) {
		v.addError("audit.dir", cfg.Dir, "invalid directory path")
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	if cfg.Dir == "" {
		v.addError("state.dir", cfg.Dir, "directory required")
	}

	switch strings.ToLower(cfg.Backend) {
	case "json", "sqlite":
	default:
		v.addError("state.backend", cfg.Backend, "must be one of: json, sqlite")
	}
}

func (v *Validator) validateOrchestrator(cfg *OrchestratorConfig) {
	if cfg.MaxAttempts < 1 || cfg.MaxAttempts > 10 {
		v.addError("orchestrator.max_attempts", cfg.MaxAttempts, "must be between 1 and 10")
	}
	if cfg.BaseDelay < 0 {
		v.addError("orchestrator.base_delay", cfg.BaseDelay, "must be non-negative")
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		v.addError("orchestrator.max_delay", cfg.MaxDelay, "must be >= orchestrator.base_delay")
	}
	if cfg.TurnCeiling < 0 {
		v.addError("orchestrator.turn_ceiling", cfg.TurnCeiling, "must be non-negative")
	}
	for _, tool := range cfg.AllowedTools {
		if strings.TrimSpace(tool) == "" {
			v.addError("orchestrator.allowed_tools", tool, "tool name cannot be empty")
		}
	}
}

func (v *Validator) validateScheduler(cfg *SchedulerConfig) {
	if cfg.MaxConcurrency < 0 {
		v.addError("scheduler.max_concurrency", cfg.MaxConcurrency, "must be non-negative")
	}
	if cfg.Stagger < 0 {
		v.addError("scheduler.stagger", cfg.Stagger, "must be non-negative")
	}
}

func (v *Validator) validateLock(cfg *LockConfig) {
	if cfg.StaleAfter <= 0 {
		v.addError("lock.stale_after", cfg.StaleAfter, "must be positive")
	}
	if cfg.Timeout <= 0 {
		v.addError("lock.timeout", cfg.Timeout, "must be positive")
	}
	if cfg.RetryDelay <= 0 {
		v.addError("lock.retry_delay", cfg.RetryDelay, "must be positive")
	}
}

func (v *Validator) validateGit(cfg *GitConfig) {
	if cfg.Timeout <= 0 {
		v.addError("git.timeout", cfg.Timeout, "must be positive")
	}
	if cfg.LockRetries < 1 {
		v.addError("git.lock_retries", cfg.LockRetries, "must be at least 1")
	}
	if cfg.LockBaseDelay < 0 {
		v.addError("git.lock_base_delay", cfg.LockBaseDelay, "must be non-negative")
	}
}

func (v *Validator) validateRuntime(cfg *RuntimeConfig) {
	if strings.TrimSpace(cfg.Command) == "" {
		v.addError("runtime.command", cfg.Command, "command required")
	}
	if cfg.Timeout <= 0 {
		v.addError("runtime.timeout", cfg.Timeout, "must be positive")
	}
	if cfg.GracePeriod < 0 {
		v.addError("runtime.grace_period", cfg.GracePeriod, "must be non-negative")
	}
	for _, kv := range cfg.Env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			v.addError("runtime.env", kv, "must be KEY=VALUE")
		}
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		v.addError("server.addr", cfg.Addr, "must be host:port")
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

func isRelativeSubdir(dir string) bool {
	if dir == "" || filepath.IsAbs(dir) {
		return false
	}
	clean := filepath.Clean(dir)
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
