package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DOKODEMODOOR_LOG_LEVEL.
const EnvPrefix = "DOKODEMODOOR"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
	dotenv     []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: EnvPrefix,
		dotenv:    []string{".env"},
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	l := NewLoader()
	l.v = v
	return l
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithDotEnv replaces the .env files read before the environment is
// consulted. Missing files are ignored.
func (l *Loader) WithDotEnv(paths ...string) *Loader {
	l.dotenv = paths
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (DOKODEMODOOR_*), including .env files
// 3. Project config (.dokodemodoor.yaml in current directory)
// 4. User config (~/.config/dokodemodoor/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDotEnv(); err != nil {
		return nil, err
	}

	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".dokodemodoor")
		l.v.SetConfigType("yaml")

		// First found wins, so the project file shadows the user file.
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "dokodemodoor"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv exports variables from .env files without overriding the
// process environment.
func (l *Loader) loadDotEnv() error {
	for _, path := range l.dotenv {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("workspace.path", ".")
	l.v.SetDefault("workspace.deliverables_dir", "deliverables")
	l.v.SetDefault("workspace.outputs_dir", "outputs")
	l.v.SetDefault("workspace.archive", true)

	l.v.SetDefault("audit.dir", "audit-logs")
	l.v.SetDefault("audit.redact", false)

	l.v.SetDefault("state.dir", ".dokodemodoor/sessions")
	l.v.SetDefault("state.backend", "json")

	l.v.SetDefault("registry.prompts_dir", "prompts")
	l.v.SetDefault("registry.overrides_file", "agents.yaml")

	l.v.SetDefault("orchestrator.max_attempts", 3)
	l.v.SetDefault("orchestrator.base_delay", "5s")
	l.v.SetDefault("orchestrator.max_delay", "1m")
	l.v.SetDefault("orchestrator.turn_ceiling", 400)
	l.v.SetDefault("orchestrator.allowed_tools", []string{})

	l.v.SetDefault("scheduler.max_concurrency", 5)
	l.v.SetDefault("scheduler.stagger", "2s")
	l.v.SetDefault("scheduler.continue_on_partial_failure", false)

	l.v.SetDefault("lock.stale_after", "30s")
	l.v.SetDefault("lock.timeout", "15s")
	l.v.SetDefault("lock.retry_delay", "50ms")

	l.v.SetDefault("git.timeout", "2m")
	l.v.SetDefault("git.lock_retries", 5)
	l.v.SetDefault("git.lock_base_delay", "100ms")

	l.v.SetDefault("runtime.command", "claude")
	l.v.SetDefault("runtime.args", []string{"-p", "--output-format", "stream-json", "--verbose"})
	l.v.SetDefault("runtime.turns_flag", "--max-turns")
	l.v.SetDefault("runtime.tools_flag", "--allowedTools")
	l.v.SetDefault("runtime.timeout", "3h")
	l.v.SetDefault("runtime.grace_period", "10s")

	l.v.SetDefault("server.addr", "127.0.0.1:8484")
	l.v.SetDefault("server.cors_origins", []string{})
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}
