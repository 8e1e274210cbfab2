package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/airsalso/dokodemodoor/internal/audit"
	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/deliverable"
	"github.com/airsalso/dokodemodoor/internal/logging"
	"github.com/airsalso/dokodemodoor/internal/registry"
)

// SchedulerConfig bounds parallel phases.
type SchedulerConfig struct {
	// MaxConcurrency caps units in flight. Zero means the whole phase.
	MaxConcurrency int
	// Stagger spaces launches: the i-th unit of a parallel phase is due
	// i*Stagger after the phase starts.
	Stagger time.Duration
}

// DefaultSchedulerConfig returns five units at a time, two seconds apart.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{MaxConcurrency: 5, Stagger: 2 * time.Second}
}

// UnitFailure pairs a failed unit with its error.
type UnitFailure struct {
	Unit string
	Err  error
}

// PhaseResult is the settled outcome of one phase. Units filtered out as
// ineligible appear in neither list.
type PhaseResult struct {
	Phase     core.PhaseName
	Completed []string
	Failed    []UnitFailure
	Outcomes  map[string]*Outcome
	// Checkpoint is the consolidating commit of a parallel phase.
	Checkpoint string
}

// PhaseFailedError stops a sequential phase. Checkpoint is the last good
// commit to resume from.
type PhaseFailedError struct {
	Phase      core.PhaseName
	Unit       string
	Checkpoint string
	Err        error
}

func (e *PhaseFailedError) Error() string {
	cp := e.Checkpoint
	if cp == "" {
		cp = "(none)"
	}
	return fmt.Sprintf("phase %s stopped at unit %s, resume from checkpoint %s: %v", e.Phase, e.Unit, cp, e.Err)
}

func (e *PhaseFailedError) Unwrap() error {
	return e.Err
}

// Scheduler runs the units of a phase through an Orchestrator.
type Scheduler struct {
	orch      *Orchestrator
	registry  *registry.Registry
	workspace core.Workspace
	store     core.SessionStore
	audit     *audit.Log
	cfg       SchedulerConfig
	logger    *logging.Logger
}

// NewScheduler creates a scheduler that shares the orchestrator's
// collaborators.
func NewScheduler(orch *Orchestrator, cfg SchedulerConfig) *Scheduler {
	if cfg.Stagger < 0 {
		cfg.Stagger = 0
	}
	return &Scheduler{
		orch:      orch,
		registry:  orch.registry,
		workspace: orch.workspace,
		store:     orch.store,
		audit:     orch.audit,
		cfg:       cfg,
		logger:    orch.logger,
	}
}

// RunPhase runs every unit of phase that is neither completed nor skipped.
// A sequential phase stops at the first failure with a *PhaseFailedError. A
// parallel phase settles every unit and reports failures in the result; one
// unit's failure never cancels its siblings.
func (s *Scheduler) RunPhase(ctx context.Context, phase core.Phase, session *core.Session) (*PhaseResult, error) {
	logger := s.logger.WithSession(session.ID).WithPhase(string(phase.Name))
	result := &PhaseResult{Phase: phase.Name, Outcomes: make(map[string]*Outcome)}

	var pending []*core.Unit
	for _, name := range phase.Units {
		switch session.StatusOf(name) {
		case core.UnitCompleted, core.UnitSkipped:
			continue
		}
		u, err := s.registry.ValidateUnit(name)
		if err != nil {
			return nil, err
		}
		pending = append(pending, u)
	}

	runnable, blocked := s.filterEligible(session, pending)
	s.block(ctx, blocked)
	if len(runnable) == 0 {
		return result, nil
	}

	logger.Info("phase started", "units", len(runnable), "parallel", phase.Parallel)
	if phase.Parallel {
		return s.runParallel(ctx, phase, session, runnable, result)
	}
	return s.runSequential(ctx, phase, session, runnable, result)
}

func (s *Scheduler) runSequential(ctx context.Context, phase core.Phase, session *core.Session, units []*core.Unit, result *PhaseResult) (*PhaseResult, error) {
	current := session
	for _, u := range units {
		out, err := s.orch.RunUnit(ctx, u.Name, current, RunOptions{})
		if err != nil {
			result.Failed = append(result.Failed, UnitFailure{Unit: u.Name, Err: err})
			return result, &PhaseFailedError{
				Phase:      phase.Name,
				Unit:       u.Name,
				Checkpoint: s.lastCheckpoint(ctx, current),
				Err:        err,
			}
		}
		result.Completed = append(result.Completed, u.Name)
		result.Outcomes[u.Name] = out

		// Later units check prerequisites against the fresh record.
		if fresh, err := s.store.Load(ctx, session.ID); err == nil {
			current = fresh
		}
	}
	return result, nil
}

func (s *Scheduler) runParallel(ctx context.Context, phase core.Phase, session *core.Session, units []*core.Unit, result *PhaseResult) (*PhaseResult, error) {
	logger := s.logger.WithSession(session.ID).WithPhase(string(phase.Name))

	var mu sync.Mutex
	g := new(errgroup.Group)
	if s.cfg.MaxConcurrency > 0 {
		g.SetLimit(s.cfg.MaxConcurrency)
	}

	// Launch i is due at start + i*Stagger. A unit that waited for a
	// concurrency slot past its due time starts at once.
	start := time.Now()
	for i, u := range units {
		due := start.Add(time.Duration(i) * s.cfg.Stagger)
		g.Go(func() error {
			if wait := time.Until(due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					mu.Lock()
					result.Failed = append(result.Failed, UnitFailure{Unit: u.Name, Err: ctx.Err()})
					mu.Unlock()
					return nil
				case <-timer.C:
				}
			}

			out, err := s.orch.RunUnit(ctx, u.Name, session, RunOptions{Parallel: true})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("unit failed in parallel phase", "unit", u.Name, "error", err)
				result.Failed = append(result.Failed, UnitFailure{Unit: u.Name, Err: err})
				return nil
			}
			result.Completed = append(result.Completed, u.Name)
			result.Outcomes[u.Name] = out
			return nil
		})
	}
	_ = g.Wait()

	s.sortResult(result)

	bg := context.WithoutCancel(ctx)
	commit, err := s.workspace.Checkpoint(bg, fmt.Sprintf("phase %s: %d completed, %d failed", phase.Name, len(result.Completed), len(result.Failed)))
	if err != nil {
		return result, fmt.Errorf("consolidating phase %s: %w", phase.Name, err)
	}
	result.Checkpoint = commit

	if len(result.Completed) > 0 {
		if _, err := s.store.Update(bg, session.ID, func(sess *core.Session) error {
			for _, name := range result.Completed {
				sess.RecordCheckpoint(name, commit)
			}
			return nil
		}); err != nil {
			return result, err
		}
		for _, name := range result.Completed {
			result.Outcomes[name].Checkpoint = commit
		}
	}

	logger.Info("phase settled",
		"completed", len(result.Completed),
		"failed", len(result.Failed),
		"checkpoint", commit,
	)
	return result, nil
}

// filterEligible drops exploitation units whose counterpart did not complete
// or left no valid, non-empty queue. Blocked units map to the reason.
func (s *Scheduler) filterEligible(session *core.Session, units []*core.Unit) ([]*core.Unit, map[string]string) {
	dirs := s.orch.Dirs()
	var runnable []*core.Unit
	blocked := make(map[string]string)
	for _, u := range units {
		if u.Counterpart == "" {
			runnable = append(runnable, u)
			continue
		}
		if ok, reason := eligible(session, s.registry, u, dirs); ok {
			runnable = append(runnable, u)
		} else {
			blocked[u.Name] = reason
		}
	}
	return runnable, blocked
}

// eligible reports whether an exploitation unit may run, and why not.
func eligible(session *core.Session, reg *registry.Registry, u *core.Unit, dirs registry.Dirs) (bool, string) {
	if !session.IsCompleted(u.Counterpart) {
		return false, fmt.Sprintf("%s has not completed", u.Counterpart)
	}
	cp, ok := reg.Unit(u.Counterpart)
	if !ok || !cp.ProducesQueue() {
		return false, fmt.Sprintf("%s produces no queue", u.Counterpart)
	}
	q := deliverable.ReadQueueFile(filepath.Join(dirs.Deliverables, cp.QueueFile))
	switch {
	case !q.Valid:
		return false, fmt.Sprintf("%s is not a valid queue", cp.QueueFile)
	case q.Doc.Len() == 0:
		return false, fmt.Sprintf("%s is empty", cp.QueueFile)
	}
	return true, ""
}

// block leaves ineligible units pending, so a later run of their
// counterpart can unlock them, and records why they did not run.
func (s *Scheduler) block(ctx context.Context, blocked map[string]string) {
	for name, reason := range blocked {
		if err := s.audit.MarkBlocked(ctx, name, reason); err != nil {
			s.logger.Warn("recording blocked unit", "unit", name, "error", err)
		}
		s.logger.Info("unit not eligible", "unit", name, "reason", reason)
	}
}

// lastCheckpoint is the checkpoint of the highest-ranked completed unit, or
// HEAD when nothing has completed.
func (s *Scheduler) lastCheckpoint(ctx context.Context, session *core.Session) string {
	if fresh, err := s.store.Load(ctx, session.ID); err == nil {
		session = fresh
	}
	best, bestRank := "", -1
	for name, cp := range session.Checkpoints {
		u, ok := s.registry.Unit(name)
		if ok && session.IsCompleted(name) && u.Rank > bestRank {
			best, bestRank = cp, u.Rank
		}
	}
	if best == "" {
		best, _ = s.workspace.Head(context.WithoutCancel(ctx))
	}
	return best
}

func (s *Scheduler) sortResult(r *PhaseResult) {
	rank := func(name string) int {
		if u, ok := s.registry.Unit(name); ok {
			return u.Rank
		}
		return 0
	}
	sort.Slice(r.Completed, func(i, j int) bool { return rank(r.Completed[i]) < rank(r.Completed[j]) })
	sort.Slice(r.Failed, func(i, j int) bool { return rank(r.Failed[i].Unit) < rank(r.Failed[j].Unit) })
}
