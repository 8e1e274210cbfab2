package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/airsalso/dokodemodoor/internal/audit"
	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/deliverable"
	"github.com/airsalso/dokodemodoor/internal/logging"
	"github.com/airsalso/dokodemodoor/internal/registry"
	"github.com/airsalso/dokodemodoor/internal/retry"
)

// OrchestratorConfig holds the defaults every unit runs with unless the
// registry overrides say otherwise.
type OrchestratorConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	TurnCeiling  int
	AllowedTools []string
	// DeliverablesDir is relative to the workspace root.
	DeliverablesDir string
}

// DefaultOrchestratorConfig returns three attempts with a 5s doubling delay.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxAttempts:     3,
		BaseDelay:       5 * time.Second,
		MaxDelay:        time.Minute,
		TurnCeiling:     400,
		DeliverablesDir: "deliverables",
	}
}

// RunOptions tune a single RunUnit call.
type RunOptions struct {
	// MaxAttempts overrides the configured attempt budget when positive.
	MaxAttempts int
	// Parallel is set when sibling units share the workspace concurrently.
	// Retries then skip the clean-to-HEAD step and the success commit is left
	// to the phase's consolidating commit.
	Parallel bool
}

// Outcome describes a unit that completed.
type Outcome struct {
	Unit       string
	Attempts   int
	Checkpoint string
	Result     *core.RuntimeResult
	Validation registry.ValidationResult
	// Merge is set when a prior queue was merged into the new one.
	Merge *deliverable.MergeStats
}

// Orchestrator runs one unit at a time through checkpoint, runtime,
// validation and rollback. It is scoped to one session's audit log.
type Orchestrator struct {
	registry  *registry.Registry
	runtime   core.Runtime
	workspace core.Workspace
	store     core.SessionStore
	audit     *audit.Log
	prompts   *registry.Prompts
	overrides registry.Overrides
	cfg       OrchestratorConfig
	logger    *logging.Logger

	inflightMu sync.Mutex
	inflight   map[string]bool
}

// OrchestratorDeps bundles the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Registry  *registry.Registry
	Runtime   core.Runtime
	Workspace core.Workspace
	Store     core.SessionStore
	Audit     *audit.Log
	Prompts   *registry.Prompts
	Overrides registry.Overrides
	Logger    *logging.Logger
}

// NewOrchestrator creates an orchestrator. Zero config fields take defaults.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	def := DefaultOrchestratorConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.DeliverablesDir == "" {
		cfg.DeliverablesDir = def.DeliverablesDir
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	prompts := deps.Prompts
	if prompts == nil {
		prompts, _ = registry.NewPrompts("")
	}
	return &Orchestrator{
		registry:  deps.Registry,
		runtime:   deps.Runtime,
		workspace: deps.Workspace,
		store:     deps.Store,
		audit:     deps.Audit,
		prompts:   prompts,
		overrides: deps.Overrides,
		cfg:       cfg,
		logger:    logger,
		inflight:  make(map[string]bool),
	}
}

// Dirs returns where deliverables are read from.
func (o *Orchestrator) Dirs() registry.Dirs {
	root := o.workspace.Path()
	return registry.Dirs{Workspace: root, Deliverables: filepath.Join(root, o.cfg.DeliverablesDir)}
}

// RunUnit executes the named unit for session until it validates, a
// non-retryable error occurs, or the attempt budget is spent. The terminal
// status is persisted to the session store and the metrics document before
// RunUnit returns. The session argument is only read.
func (o *Orchestrator) RunUnit(ctx context.Context, name string, session *core.Session, opts RunOptions) (*Outcome, error) {
	u, err := o.registry.ValidateUnit(name)
	if err != nil {
		return nil, err
	}
	if err := o.registry.CheckPrerequisites(session, name); err != nil {
		return nil, err
	}
	if !o.claim(session.ID, name) {
		return nil, core.ErrState("UNIT_IN_FLIGHT", fmt.Sprintf("unit %s already has an attempt in flight", name))
	}
	defer o.release(session.ID, name)

	settings := o.overrides.For(name, registry.Settings{
		MaxAttempts:  o.cfg.MaxAttempts,
		TurnCeiling:  o.cfg.TurnCeiling,
		AllowedTools: o.cfg.AllowedTools,
	})
	if opts.MaxAttempts > 0 {
		settings.MaxAttempts = opts.MaxAttempts
	}

	dirs := o.Dirs()
	prompt, err := o.prompts.Render(u, registry.PromptParams{
		Target:       session.Target,
		Workspace:    dirs.Workspace,
		Deliverables: dirs.Deliverables,
	})
	if err != nil {
		return nil, err
	}

	// A queue that validates before the first attempt survives retries: the
	// new queue is merged into it once the unit succeeds.
	var prior *deliverable.QueueDocument
	if u.ProducesQueue() {
		if r := deliverable.ReadQueueFile(filepath.Join(dirs.Deliverables, u.QueueFile)); r.Valid {
			prior = r.Doc
		}
	}

	if _, err := o.store.Update(ctx, session.ID, func(s *core.Session) error {
		s.SetStatus(name, core.UnitRunning)
		return nil
	}); err != nil {
		return nil, err
	}

	logger := o.logger.WithSession(session.ID).WithUnit(name)
	run := &unitRun{
		o:        o,
		unit:     u,
		session:  session,
		settings: settings,
		opts:     opts,
		prompt:   prompt,
		prior:    prior,
		dirs:     dirs,
		logger:   logger,
	}

	policy := retry.New(
		retry.WithMaxAttempts(settings.MaxAttempts),
		retry.WithBaseDelay(o.cfg.BaseDelay),
		retry.WithMaxDelay(o.cfg.MaxDelay),
		retry.WithClassifier(core.IsRetryable),
	)
	err = policy.RunNotify(ctx, run.attempt, func(attempt int, err error, delay time.Duration) {
		logger.Warn("unit attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", settings.MaxAttempts,
			"delay", delay,
			"error", err,
		)
	})
	if err == nil {
		return run.outcome, nil
	}

	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		// Interrupted: the unit goes back to pending so a resume reruns it.
		o.setStatus(bg, session.ID, name, core.UnitPending)
		return nil, err
	}

	o.setStatus(bg, session.ID, name, core.UnitFailed)
	if !run.finalRecorded {
		if mErr := o.audit.MarkUnit(bg, name, core.UnitFailed); mErr != nil {
			logger.Warn("recording unit failure in metrics", "error", mErr)
		}
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		logger.Error("unit failed after exhausting attempts", "attempts", exhausted.Attempts, "error", exhausted.LastErr)
		return nil, (&core.DomainError{
			Kind:    core.KindRetriesExhausted,
			Code:    "RETRIES_EXHAUSTED",
			Message: fmt.Sprintf("unit %s failed after %d attempts", name, exhausted.Attempts),
		}).WithCause(exhausted.LastErr).WithDetail("unit", name)
	}
	logger.Error("unit failed", "error", err)
	return nil, err
}

func (o *Orchestrator) claim(sessionID, unit string) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	key := sessionID + "/" + unit
	if o.inflight[key] {
		return false
	}
	o.inflight[key] = true
	return true
}

func (o *Orchestrator) release(sessionID, unit string) {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	delete(o.inflight, sessionID+"/"+unit)
}

func (o *Orchestrator) setStatus(ctx context.Context, sessionID, unit string, status core.UnitStatus) {
	if _, err := o.store.Update(ctx, sessionID, func(s *core.Session) error {
		s.SetStatus(unit, status)
		return nil
	}); err != nil {
		o.logger.Error("persisting unit status", "unit", unit, "status", status, "error", err)
	}
}

// unitRun carries the state of one RunUnit call across its attempts.
type unitRun struct {
	o        *Orchestrator
	unit     *core.Unit
	session  *core.Session
	settings registry.Settings
	opts     RunOptions
	prompt   string
	prior    *deliverable.QueueDocument
	dirs     registry.Dirs
	logger   *logging.Logger

	outcome       *Outcome
	finalRecorded bool
}

// attempt runs one attempt. Its error decides whether the policy retries.
// The attempt log is opened first so every later error reaches it.
func (r *unitRun) attempt(ctx context.Context, n int) error {
	o := r.o
	name := r.unit.Name
	logger := r.logger.WithAttempt(n)

	a, err := o.audit.StartUnit(ctx, audit.StartInfo{
		Unit:      name,
		Phase:     r.unit.Phase,
		Attempt:   n,
		Prompt:    r.prompt,
		Workspace: r.dirs.Workspace,
	})
	if err != nil {
		if rErr := o.audit.RecordFailure(context.WithoutCancel(ctx), name, n, err); rErr != nil {
			logger.Error("recording attempt failure", "error", rErr)
		}
		return err
	}

	if n > 1 && !r.opts.Parallel {
		if err := o.workspace.CleanToHead(ctx); err != nil {
			return r.fail(ctx, a, n, "", nil, err)
		}
	}

	checkpoint, err := o.workspace.Checkpoint(ctx, fmt.Sprintf("checkpoint: %s attempt %d", name, n))
	if err != nil {
		return r.fail(ctx, a, n, "", nil, err)
	}
	if err := o.audit.SetCheckpoint(ctx, a, checkpoint); err != nil {
		logger.Warn("recording checkpoint in audit log", "error", err)
	}
	// Every attempted unit has a checkpoint entry; success replaces it with
	// the completion commit.
	if _, err := o.store.Update(ctx, r.session.ID, func(s *core.Session) error {
		s.RecordCheckpoint(name, checkpoint)
		return nil
	}); err != nil {
		return r.fail(ctx, a, n, checkpoint, nil, err)
	}
	logger.Info("unit attempt started", "checkpoint", checkpoint)

	result, runErr := r.execute(ctx, a)
	if runErr == nil && result.Fatal {
		runErr = core.ErrRuntime(core.CodeRuntimeFatal, result.Message, true)
	}

	var validation registry.ValidationResult
	if runErr == nil {
		validation = registry.Validate(r.unit, r.dirs)
		switch {
		case validation.OK && !result.Success:
			// The runtime stopped short but the deliverables are valid.
			_ = o.audit.Note(a, "runtime reported a soft error; deliverables validated", map[string]any{
				"subtype": result.Subtype,
				"message": result.Message,
			})
		case !validation.OK && !result.Success:
			runErr = core.ErrRuntime(core.CodeRuntimeFailed, fmt.Sprintf("runtime %s: %s", result.Subtype, result.Message), false).
				WithCause(validation.Err)
		case !validation.OK:
			runErr = validation.Err
		}
	}

	if runErr != nil {
		return r.fail(ctx, a, n, checkpoint, result, runErr)
	}
	return r.succeed(ctx, a, checkpoint, result, validation)
}

// execute streams the runtime's events into the attempt log and returns the
// terminal result.
func (r *unitRun) execute(ctx context.Context, a *audit.Attempt) (*core.RuntimeResult, error) {
	o := r.o
	events, err := o.runtime.Execute(ctx, core.RuntimeRequest{
		Unit:          r.unit.Name,
		Prompt:        r.prompt,
		WorkspacePath: r.dirs.Workspace,
		AllowedTools:  r.settings.AllowedTools,
		TurnCeiling:   r.settings.TurnCeiling,
	})
	if err != nil {
		var de *core.DomainError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, core.ErrRuntime(core.CodeRuntimeFailed, err.Error(), false).WithCause(err)
	}

	var result *core.RuntimeResult
	for ev := range events {
		if err := o.audit.LogEvent(a, ev); err != nil {
			r.logger.Warn("writing audit event", "error", err)
		}
		if ev.Type == core.RuntimeEventResult && ev.Result != nil && result == nil {
			result = ev.Result
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, core.ErrRuntime(core.CodeRuntimeNoResult, "runtime exited without a result", false)
	}
	return result, nil
}

// fail records a failed attempt and restores the pre-attempt checkpoint.
func (r *unitRun) fail(ctx context.Context, a *audit.Attempt, n int, checkpoint string, result *core.RuntimeResult, runErr error) error {
	o := r.o
	bg := context.WithoutCancel(ctx)
	logger := r.logger.WithAttempt(n)

	if err := o.audit.LogError(a, runErr); err != nil {
		logger.Warn("writing audit error", "error", err)
	}

	// Without a checkpoint nothing has run yet, so there is nothing to undo.
	if checkpoint != "" {
		if rbErr := o.workspace.RollbackTo(bg, checkpoint); rbErr != nil {
			logger.Error("rollback after failed attempt", "checkpoint", checkpoint, "error", rbErr)
			runErr = errors.Join(runErr, rbErr)
		} else {
			_ = o.audit.Note(a, "workspace rolled back", map[string]any{"checkpoint": checkpoint})
		}
	}

	final := n >= r.settings.MaxAttempts || !core.IsRetryable(runErr) || ctx.Err() != nil
	end := audit.EndInfo{
		Result:     result,
		Checkpoint: checkpoint,
		Err:        runErr,
	}
	if final && ctx.Err() == nil {
		end.Final = true
		end.Status = core.UnitFailed
		r.finalRecorded = true
	}
	if err := o.audit.EndUnit(bg, a, end); err != nil {
		logger.Warn("closing audit attempt", "error", err)
	}
	logger.Warn("unit attempt failed", "error", runErr, "retryable", core.IsRetryable(runErr))
	return runErr
}

// succeed merges the queue, commits (sequential mode) and marks the unit
// completed.
func (r *unitRun) succeed(ctx context.Context, a *audit.Attempt, checkpoint string, result *core.RuntimeResult, validation registry.ValidationResult) error {
	o := r.o
	name := r.unit.Name
	bg := context.WithoutCancel(ctx)

	out := &Outcome{
		Unit:       name,
		Attempts:   a.Number(),
		Checkpoint: checkpoint,
		Result:     result,
		Validation: validation,
	}

	var queueEntries *int
	if r.unit.ProducesQueue() {
		n := validation.Queue.Len()
		if r.prior != nil {
			stats, err := deliverable.MergeIntoFile(filepath.Join(r.dirs.Deliverables, r.unit.QueueFile), r.prior)
			if err != nil {
				return r.fail(ctx, a, a.Number(), checkpoint, result, core.ErrFileSystem("merging exploitation queue", err))
			}
			out.Merge = &stats
			n = stats.Final
			_ = o.audit.Note(a, "queue merged", map[string]any{
				"existing":     stats.Existing,
				"new":          stats.New,
				"deduplicated": stats.Deduplicated,
				"final":        stats.Final,
			})
		}
		queueEntries = &n
	}

	if !r.opts.Parallel {
		commit, err := o.workspace.Checkpoint(bg, fmt.Sprintf("completed: %s", name))
		if err != nil {
			return r.fail(ctx, a, a.Number(), checkpoint, result, err)
		}
		out.Checkpoint = commit
	}

	if _, err := o.store.Update(bg, r.session.ID, func(s *core.Session) error {
		s.SetStatus(name, core.UnitCompleted)
		s.RecordCheckpoint(name, out.Checkpoint)
		return nil
	}); err != nil {
		_ = o.audit.LogError(a, err)
		_ = o.audit.EndUnit(bg, a, audit.EndInfo{Result: result, Checkpoint: out.Checkpoint, Err: err})
		return err
	}

	var verdicts map[string]int
	if v := validation.Verdicts(); v != nil {
		verdicts = make(map[string]int, len(v))
		for k, n := range v {
			verdicts[string(k)] = n
		}
	}
	if err := o.audit.EndUnit(bg, a, audit.EndInfo{
		Succeeded:    true,
		Result:       result,
		Checkpoint:   out.Checkpoint,
		Final:        true,
		Status:       core.UnitCompleted,
		Verdicts:     verdicts,
		QueueEntries: queueEntries,
	}); err != nil {
		r.logger.Warn("closing audit attempt", "error", err)
	}
	r.finalRecorded = true
	r.outcome = out
	r.logger.Info("unit completed", "attempt", a.Number(), "checkpoint", out.Checkpoint, "stage", validation.Stage.String())
	return nil
}
