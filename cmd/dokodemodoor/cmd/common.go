package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/airsalso/dokodemodoor/internal/adapters/cli"
	"github.com/airsalso/dokodemodoor/internal/adapters/git"
	"github.com/airsalso/dokodemodoor/internal/adapters/state"
	"github.com/airsalso/dokodemodoor/internal/audit"
	"github.com/airsalso/dokodemodoor/internal/config"
	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/lock"
	"github.com/airsalso/dokodemodoor/internal/logging"
	"github.com/airsalso/dokodemodoor/internal/registry"
	"github.com/airsalso/dokodemodoor/internal/service"
)

// loadConfig loads and validates the configuration using the global viper,
// so bound flags take precedence.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *logging.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: w,
	})
}

func lockOptions(cfg *config.Config) lock.Options {
	return lock.Options{
		StaleAfter: cfg.Lock.StaleAfter,
		Timeout:    cfg.Lock.Timeout,
		RetryDelay: cfg.Lock.RetryDelay,
	}
}

func openStore(cfg *config.Config) (core.SessionStore, error) {
	return state.NewStore(state.StoreOptions{
		Backend: cfg.State.Backend,
		Dir:     cfg.State.Dir,
		Lock:    lockOptions(cfg),
	})
}

// parseEnv turns KEY=VALUE entries into a map. Later entries win.
func parseEnv(entries []string) (map[string]string, error) {
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, core.ErrConfig(fmt.Sprintf("runtime.env entry %q is not KEY=VALUE", e))
		}
		env[k] = v
	}
	return env, nil
}

// app holds everything a pipeline command needs.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    core.SessionStore
	registry *registry.Registry
	pipeline *service.Pipeline
}

// openWorkspace opens the git workspace. Deliverables and agent outputs both
// survive rollbacks.
func openWorkspace(cfg *config.Config, logger *logging.Logger) (*git.Workspace, error) {
	path, err := filepath.Abs(cfg.Workspace.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}
	return git.NewWorkspace(path, git.Options{
		Timeout:       cfg.Git.Timeout,
		LockRetries:   cfg.Git.LockRetries,
		LockBaseDelay: cfg.Git.LockBaseDelay,
		Preserve:      []string{cfg.Workspace.DeliverablesDir, cfg.Workspace.OutputsDir},
		Logger:        logger,
	})
}

// newApp wires the pipeline from cfg. Close must be called to release the
// store.
func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	reg := registry.Default()

	ws, err := openWorkspace(cfg, logger)
	if err != nil {
		return nil, err
	}

	env, err := parseEnv(cfg.Runtime.Env)
	if err != nil {
		return nil, err
	}
	runtime, err := cli.New(cli.Config{
		Command:     cfg.Runtime.Command,
		Args:        cfg.Runtime.Args,
		Env:         env,
		TurnsFlag:   cfg.Runtime.TurnsFlag,
		ToolsFlag:   cfg.Runtime.ToolsFlag,
		Timeout:     cfg.Runtime.Timeout,
		GracePeriod: cfg.Runtime.GracePeriod,
	}, logger)
	if err != nil {
		return nil, err
	}

	prompts, err := registry.NewPrompts(cfg.Registry.PromptsDir)
	if err != nil {
		return nil, err
	}
	overridesPath := cfg.Registry.OverridesFile
	if overridesPath != "" && !filepath.IsAbs(overridesPath) {
		overridesPath = filepath.Join(ws.Path(), overridesPath)
	}
	var overrides registry.Overrides
	if overridesPath != "" {
		if overrides, err = reg.LoadOverrides(overridesPath); err != nil {
			return nil, err
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	pipeline := service.NewPipeline(service.PipelineDeps{
		Registry:  reg,
		Runtime:   runtime,
		Workspace: ws,
		Store:     store,
		Prompts:   prompts,
		Overrides: overrides,
		Logger:    logger,
	}, service.PipelineConfig{
		Orchestrator: service.OrchestratorConfig{
			MaxAttempts:     cfg.Orchestrator.MaxAttempts,
			BaseDelay:       cfg.Orchestrator.BaseDelay,
			MaxDelay:        cfg.Orchestrator.MaxDelay,
			TurnCeiling:     cfg.Orchestrator.TurnCeiling,
			AllowedTools:    cfg.Orchestrator.AllowedTools,
			DeliverablesDir: cfg.Workspace.DeliverablesDir,
		},
		Scheduler: service.SchedulerConfig{
			MaxConcurrency: cfg.Scheduler.MaxConcurrency,
			Stagger:        cfg.Scheduler.Stagger,
		},
		AuditDir: cfg.Audit.Dir,
		Audit: audit.Options{
			Redact: cfg.Audit.Redact,
			Lock:   lockOptions(cfg),
			Logger: logger,
		},
		ContinueOnPartialFailure: cfg.Scheduler.ContinueOnPartialFailure,
		Archive:                  cfg.Workspace.Archive,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: reg,
		pipeline: pipeline,
	}, nil
}

func (a *app) Close() {
	closeStore(a.store, a.logger)
}

func closeStore(store core.SessionStore, logger *logging.Logger) {
	if err := state.CloseStore(store); err != nil {
		logger.Warn("failed to close session store", "error", err)
	}
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
