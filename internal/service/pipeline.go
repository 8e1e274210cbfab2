package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/airsalso/dokodemodoor/internal/audit"
	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/fsutil"
	"github.com/airsalso/dokodemodoor/internal/logging"
	"github.com/airsalso/dokodemodoor/internal/registry"
)

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Orchestrator OrchestratorConfig
	Scheduler    SchedulerConfig
	// AuditDir is the root of every session's audit directory.
	AuditDir string
	Audit    audit.Options
	// ContinueOnPartialFailure lets later phases run after a parallel phase
	// reported failures.
	ContinueOnPartialFailure bool
	// Archive renames the deliverables directory once every unit is terminal.
	Archive bool
}

// PipelineDeps are the session-independent collaborators.
type PipelineDeps struct {
	Registry  *registry.Registry
	Runtime   core.Runtime
	Workspace core.Workspace
	Store     core.SessionStore
	Prompts   *registry.Prompts
	Overrides registry.Overrides
	Logger    *logging.Logger
}

// RunReport summarizes one Run call.
type RunReport struct {
	Session *core.Session
	Phases  []*PhaseResult
	Metrics *audit.MetricsDocument
	// Recovered lists units found running at startup and reset.
	Recovered []string
	Archived  string
}

// Pipeline drives a session phase by phase.
type Pipeline struct {
	deps   PipelineDeps
	cfg    PipelineConfig
	logger *logging.Logger
	now    func() time.Time
}

// NewPipeline creates a pipeline.
func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Audit.Logger == nil {
		cfg.Audit.Logger = logger
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// Start creates a new in-progress session for target.
func (p *Pipeline) Start(ctx context.Context, target string) (*core.Session, error) {
	if target == "" {
		return nil, core.ErrConfig("target is required")
	}
	session := core.NewSession(uuid.NewString(), target, p.deps.Workspace.Path())
	if err := p.deps.Store.Create(ctx, session); err != nil {
		return nil, err
	}
	p.logger.Info("session created", "session_id", session.ID, "target", target)
	return session, nil
}

// session-scoped wiring
func (p *Pipeline) open(session *core.Session) (*audit.Log, *Scheduler, error) {
	log, err := audit.New(p.cfg.AuditDir, session, p.cfg.Audit)
	if err != nil {
		return nil, nil, err
	}
	orch := NewOrchestrator(OrchestratorDeps{
		Registry:  p.deps.Registry,
		Runtime:   p.deps.Runtime,
		Workspace: p.deps.Workspace,
		Store:     p.deps.Store,
		Audit:     log,
		Prompts:   p.deps.Prompts,
		Overrides: p.deps.Overrides,
		Logger:    p.logger,
	}, p.cfg.Orchestrator)
	return log, NewScheduler(orch, p.cfg.Scheduler), nil
}

// Run resumes session sessionID: it recovers units left running by a crashed
// process, then runs every phase that still has work. A sequential failure
// stops the run with a *PhaseFailedError. Failed units are retried by the
// next Run.
func (p *Pipeline) Run(ctx context.Context, sessionID string) (*RunReport, error) {
	session, err := p.deps.Store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.ArchivedPath != "" {
		return nil, core.ErrState("SESSION_ARCHIVED", fmt.Sprintf("session %s was archived to %s", sessionID, session.ArchivedPath))
	}

	log, sched, err := p.open(session)
	if err != nil {
		return nil, err
	}
	logger := p.logger.WithSession(sessionID)
	report := &RunReport{}

	recovered, err := p.recover(ctx, log, session)
	if err != nil {
		return nil, err
	}
	report.Recovered = recovered

	var runErr error
	for _, phase := range p.deps.Registry.Phases() {
		session, err = p.deps.Store.Load(ctx, sessionID)
		if err != nil {
			runErr = err
			break
		}
		if !hasWork(session, phase) {
			continue
		}

		res, err := sched.RunPhase(ctx, phase, session)
		if res != nil {
			report.Phases = append(report.Phases, res)
		}
		if err != nil {
			runErr = err
			break
		}
		if len(res.Failed) > 0 && !p.cfg.ContinueOnPartialFailure {
			runErr = &PhaseFailedError{
				Phase:      phase.Name,
				Unit:       res.Failed[0].Unit,
				Checkpoint: res.Checkpoint,
				Err:        fmt.Errorf("%d unit(s) failed", len(res.Failed)),
			}
			break
		}
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
	}

	if session, err = p.deps.Store.Load(context.WithoutCancel(ctx), sessionID); err == nil {
		report.Session = session
		if runErr == nil && settled(p.deps.Registry, session) {
			archived, err := p.finish(ctx, session)
			if err != nil {
				return report, err
			}
			report.Archived = archived
			report.Session, _ = p.deps.Store.Load(ctx, sessionID)
		}
	}

	if m, err := log.Snapshot(); err == nil {
		report.Metrics = m
	} else if !core.IsKind(err, core.KindNotFound) {
		logger.Warn("reading metrics snapshot", "error", err)
	}
	return report, runErr
}

func hasWork(session *core.Session, phase core.Phase) bool {
	for _, name := range phase.Units {
		switch session.StatusOf(name) {
		case core.UnitCompleted, core.UnitSkipped:
		default:
			return true
		}
	}
	return false
}

// settled reports whether no further Run can change the session: every unit
// is terminal, or pending behind a counterpart that completed without
// leaving anything to exploit. A failed counterpart is retried by the next
// Run and may still unlock its exploitation unit.
func settled(reg *registry.Registry, session *core.Session) bool {
	for _, u := range reg.Units() {
		if session.StatusOf(u.Name).IsTerminal() {
			continue
		}
		if session.StatusOf(u.Name) != core.UnitPending || u.Counterpart == "" || !session.IsCompleted(u.Counterpart) {
			return false
		}
	}
	return true
}

// recover rolls back work of units a crashed process left running and
// returns them to pending. The workspace goes back to the pre-attempt
// checkpoint of the earliest such attempt.
func (p *Pipeline) recover(ctx context.Context, log *audit.Log, session *core.Session) ([]string, error) {
	if len(session.Running) == 0 {
		return nil, nil
	}
	stale := append([]string(nil), session.Running...)
	sort.Strings(stale)
	logger := p.logger.WithSession(session.ID)

	var ref string
	var earliest time.Time
	if m, err := log.Snapshot(); err == nil {
		for _, name := range stale {
			u := m.Units[name]
			if u == nil || len(u.History) == 0 {
				continue
			}
			last := u.History[len(u.History)-1]
			if last.Checkpoint != "" && (ref == "" || last.StartedAt.Before(earliest)) {
				ref, earliest = last.Checkpoint, last.StartedAt
			}
		}
	}

	if ref != "" {
		err := p.deps.Workspace.RollbackTo(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("rolling back interrupted units: %w", err)
		}
	} else if err := p.deps.Workspace.CleanToHead(ctx); err != nil {
		return nil, fmt.Errorf("cleaning interrupted units: %w", err)
	}

	if _, err := p.deps.Store.Update(ctx, session.ID, func(s *core.Session) error {
		for _, name := range stale {
			if s.StatusOf(name) == core.UnitRunning {
				s.SetStatus(name, core.UnitPending)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	for _, name := range stale {
		if err := log.MarkUnit(ctx, name, core.UnitPending); err != nil {
			logger.Warn("resetting interrupted unit in metrics", "unit", name, "error", err)
		}
	}
	logger.Warn("recovered interrupted units", "units", stale, "checkpoint", ref)
	return stale, nil
}

// finish marks the session completed or failed and archives deliverables.
func (p *Pipeline) finish(ctx context.Context, session *core.Session) (string, error) {
	status := core.SessionCompleted
	if len(session.Failed) > 0 {
		status = core.SessionFailed
	}

	var archived string
	if p.cfg.Archive {
		src := filepath.Join(p.deps.Workspace.Path(), p.cfg.Orchestrator.deliverablesDir())
		if fsutil.Exists(src) {
			archived = fmt.Sprintf("%s_%s_%s", src, p.now().Format("20060102-150405"), session.ShortID())
			if err := os.Rename(src, archived); err != nil {
				return "", core.ErrFileSystem("archiving deliverables", err)
			}
		}
	}

	_, err := p.deps.Store.Update(ctx, session.ID, func(s *core.Session) error {
		s.Status = status
		s.ArchivedPath = archived
		return nil
	})
	if err != nil {
		return archived, err
	}
	p.logger.Info("session finished", "session_id", session.ID, "status", status, "archived", archived)
	return archived, nil
}

func (c OrchestratorConfig) deliverablesDir() string {
	if c.DeliverablesDir == "" {
		return DefaultOrchestratorConfig().DeliverablesDir
	}
	return c.DeliverablesDir
}

// RollbackTo resets the workspace to unit's checkpoint and returns every
// later-ranked unit to pending with its checkpoint cleared. unit itself keeps
// its status and checkpoint.
func (p *Pipeline) RollbackTo(ctx context.Context, sessionID, unit string) (*core.Session, error) {
	session, err := p.deps.Store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	later, err := p.deps.Registry.RankedFrom(unit)
	if err != nil {
		return nil, err
	}
	ref := session.Checkpoints[unit]
	if ref == "" {
		return nil, core.ErrNotFound("checkpoint", unit)
	}
	if len(session.Running) > 0 {
		return nil, core.ErrState("SESSION_RUNNING", fmt.Sprintf("units %v are running", session.Running))
	}

	if err := p.deps.Workspace.RollbackTo(ctx, ref); err != nil {
		return nil, err
	}

	updated, err := p.deps.Store.Update(ctx, sessionID, func(s *core.Session) error {
		for _, name := range later {
			if name == unit {
				continue
			}
			s.SetStatus(name, core.UnitPending)
			delete(s.Checkpoints, name)
		}
		s.Status = core.SessionInProgress
		return nil
	})
	if err != nil {
		return nil, err
	}

	if log, err := audit.New(p.cfg.AuditDir, session, p.cfg.Audit); err == nil {
		var errs []error
		for _, name := range later {
			if name != unit {
				errs = append(errs, log.MarkUnit(ctx, name, core.UnitPending))
			}
		}
		if err := errors.Join(errs...); err != nil {
			p.logger.Warn("resetting metrics after rollback", "error", err)
		}
	}
	p.logger.Info("session rolled back", "session_id", sessionID, "unit", unit, "checkpoint", ref, "reset", len(later)-1)
	return updated, nil
}

// Status returns the session record and its metrics document, if any.
func (p *Pipeline) Status(ctx context.Context, sessionID string) (*core.Session, *audit.MetricsDocument, error) {
	session, err := p.deps.Store.Load(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	m, err := audit.ReadMetrics(audit.SessionDir(p.cfg.AuditDir, sessionID))
	if err != nil && !core.IsKind(err, core.KindNotFound) {
		return session, nil, err
	}
	return session, m, nil
}
