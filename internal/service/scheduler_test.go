package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/registry"
)

func vulnUnits() []string {
	var units []string
	for _, c := range registry.Categories {
		units = append(units, registry.VulnUnit(c.Key))
	}
	return units
}

func exploitUnits() []string {
	var units []string
	for _, c := range registry.Categories {
		units = append(units, registry.ExploitUnit(c.Key))
	}
	return units
}

func phase(t *testing.T, f *fixture, name core.PhaseName) core.Phase {
	t.Helper()
	ph, ok := f.reg.Phase(name)
	require.True(t, ok, name)
	return ph
}

func TestRunPhase_BlocksIneligibleExploitation(t *testing.T) {
	completed := append([]string{registry.UnitPreRecon, registry.UnitRecon}, vulnUnits()...)
	f := newFixture(t, newFakeWorkspace(t), completed...)

	f.write(registry.QueueFile("sqli"), `{"vulnerabilities": []}`)
	f.write(registry.QueueFile("xss"), `{"vulnerabilities": [{"ID": "xss-1", "severity": "high", "source": "/q", "vulnerability_type": "xss"}]}`)
	f.write(registry.QueueFile("auth"), `{"vulnerabilities": [{"ID": "auth-1", "severity": "bogus"}]}`)
	f.runtime.OnExecute(writesFor(t, f.reg, exploitUnits()...))

	res, err := f.sched.RunPhase(context.Background(), phase(t, f, core.PhaseExploitation), f.load())
	require.NoError(t, err)
	assert.Equal(t, []string{registry.ExploitUnit("xss")}, res.Completed)
	assert.Empty(t, res.Failed)

	assert.Zero(t, f.runtime.Calls(registry.ExploitUnit("sqli")), "empty queue")
	assert.Zero(t, f.runtime.Calls(registry.ExploitUnit("auth")), "invalid queue")
	assert.Zero(t, f.runtime.Calls(registry.ExploitUnit("ssrf")), "no queue")
	assert.Equal(t, 1, f.runtime.Calls(registry.ExploitUnit("xss")))

	s := f.load()
	assert.True(t, s.IsCompleted(registry.ExploitUnit("xss")))
	m := f.metrics()
	assert.Equal(t, map[string]int{"POTENTIAL": 1}, m.Units[registry.ExploitUnit("xss")].Verdicts)

	tests := []struct {
		unit   string
		reason string
	}{
		{registry.ExploitUnit("sqli"), "is empty"},
		{registry.ExploitUnit("auth"), "is not a valid queue"},
		{registry.ExploitUnit("ssrf"), "is not a valid queue"},
	}
	for _, tt := range tests {
		t.Run(tt.unit, func(t *testing.T) {
			assert.Equal(t, core.UnitPending, s.StatusOf(tt.unit), "blocked units stay pending")
			assert.NotContains(t, s.Skipped, tt.unit)
			require.Contains(t, m.Units, tt.unit)
			assert.Equal(t, core.UnitPending, m.Units[tt.unit].Status)
			assert.Contains(t, m.Units[tt.unit].Blocked, tt.reason)
		})
	}
}

func TestRunPhase_BlockedUnitRunsOnceCounterpartCompletes(t *testing.T) {
	completed := append([]string{registry.UnitPreRecon, registry.UnitRecon}, vulnUnits()...)
	f := newFixture(t, newFakeWorkspace(t), completed...)
	f.runtime.OnExecute(writesFor(t, f.reg, exploitUnits()...))
	sqli := registry.ExploitUnit("sqli")

	_, err := f.sched.RunPhase(context.Background(), phase(t, f, core.PhaseExploitation), f.load())
	require.NoError(t, err)
	assert.Zero(t, f.runtime.Calls(sqli))

	f.write(registry.QueueFile("sqli"), `{"vulnerabilities": [{"ID": "sqli-1", "severity": "critical", "source": "/login", "vulnerability_type": "sqli"}]}`)
	res, err := f.sched.RunPhase(context.Background(), phase(t, f, core.PhaseExploitation), f.load())
	require.NoError(t, err)
	assert.Equal(t, []string{sqli}, res.Completed)
	assert.Empty(t, f.metrics().Units[sqli].Blocked, "a started unit is no longer blocked")
}

func TestRunPhase_ParallelFailureIsIsolated(t *testing.T) {
	ws := newFakeWorkspace(t)
	f := newFixture(t, ws, registry.UnitPreRecon, registry.UnitRecon)
	failing := registry.VulnUnit("codei")

	var ok []string
	for _, u := range vulnUnits() {
		if u != failing {
			ok = append(ok, u)
		}
	}
	f.runtime.OnExecute(writesFor(t, f.reg, ok...))

	res, err := f.sched.RunPhase(context.Background(), phase(t, f, core.PhaseVulnAnalysis), f.load())
	require.NoError(t, err, "parallel phases report failures in the result")
	assert.Equal(t, ok, res.Completed, "completed units in rank order")
	require.Len(t, res.Failed, 1)
	assert.Equal(t, failing, res.Failed[0].Unit)
	assert.True(t, core.IsKind(res.Failed[0].Err, core.KindRetriesExhausted))
	assert.Equal(t, 3, f.runtime.Calls(failing))

	require.NotEmpty(t, res.Checkpoint)
	ws.mu.Lock()
	lastMessage := ws.messages[len(ws.messages)-1]
	ws.mu.Unlock()
	assert.Equal(t, "phase vulnerability-analysis: 5 completed, 1 failed", lastMessage)

	s := f.load()
	for _, u := range ok {
		assert.True(t, s.IsCompleted(u), u)
		assert.Equal(t, res.Checkpoint, s.Checkpoints[u], "consolidating commit is the unit's checkpoint")
		assert.Equal(t, res.Checkpoint, res.Outcomes[u].Checkpoint)
	}
	assert.Equal(t, core.UnitFailed, s.StatusOf(failing))
	assert.Empty(t, s.Running)
	assert.Zero(t, ws.cleanToHead, "parallel retries never clean the shared tree")
}

func TestRunPhase_SequentialStopsAtFailure(t *testing.T) {
	f := newFixture(t, newFakeWorkspace(t), registry.UnitPreRecon)
	_, err := f.store.Update(context.Background(), f.session.ID, func(s *core.Session) error {
		s.RecordCheckpoint(registry.UnitPreRecon, "base")
		return nil
	})
	require.NoError(t, err)

	res, err := f.sched.RunPhase(context.Background(), phase(t, f, core.PhaseRecon), f.load())
	require.Error(t, err)

	var pf *PhaseFailedError
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, core.PhaseRecon, pf.Phase)
	assert.Equal(t, registry.UnitRecon, pf.Unit)
	assert.Equal(t, "base", pf.Checkpoint, "resume point is the last completed unit")
	assert.Contains(t, err.Error(), "resume from checkpoint base")
	assert.True(t, core.IsKind(err, core.KindRetriesExhausted))

	require.NotNil(t, res)
	require.Len(t, res.Failed, 1)
	assert.Empty(t, res.Completed)
}

func TestRunPhase_SkipsFinishedUnits(t *testing.T) {
	f := newFixture(t, newFakeWorkspace(t), registry.UnitPreRecon, registry.UnitRecon, registry.VulnUnit("sqli"))
	f.runtime.OnExecute(writesFor(t, f.reg, vulnUnits()...))

	res, err := f.sched.RunPhase(context.Background(), phase(t, f, core.PhaseVulnAnalysis), f.load())
	require.NoError(t, err)
	assert.Len(t, res.Completed, len(registry.Categories)-1)
	assert.Zero(t, f.runtime.Calls(registry.VulnUnit("sqli")))
}

func TestRunPhase_StaggersLaunches(t *testing.T) {
	f := newFixture(t, newFakeWorkspace(t), registry.UnitPreRecon, registry.UnitRecon)
	f.sched = NewScheduler(f.orch, SchedulerConfig{Stagger: 15 * time.Millisecond})
	f.runtime.OnExecute(writesFor(t, f.reg, vulnUnits()...))

	start := time.Now()
	res, err := f.sched.RunPhase(context.Background(), phase(t, f, core.PhaseVulnAnalysis), f.load())
	require.NoError(t, err)
	assert.Len(t, res.Completed, len(registry.Categories))
	assert.GreaterOrEqual(t, time.Since(start), time.Duration(len(registry.Categories)-1)*15*time.Millisecond)

	var order []string
	for _, req := range f.runtime.Requests() {
		order = append(order, req.Unit)
	}
	assert.Equal(t, vulnUnits(), order, "launches follow rank order")
}

func TestRunPhase_StaggerCountsQueuedTime(t *testing.T) {
	const (
		stagger = 50 * time.Millisecond
		work    = 50 * time.Millisecond
	)
	f := newFixture(t, newFakeWorkspace(t), registry.UnitPreRecon, registry.UnitRecon)
	f.sched = NewScheduler(f.orch, SchedulerConfig{MaxConcurrency: 1, Stagger: stagger})
	f.runtime.OnExecute(func(_ context.Context, req core.RuntimeRequest, _ int) (*core.RuntimeResult, error) {
		time.Sleep(work)
		writeValid(t, f.reg, req.WorkspacePath, req.Unit)
		return nil, nil
	})

	start := time.Now()
	res, err := f.sched.RunPhase(context.Background(), phase(t, f, core.PhaseVulnAnalysis), f.load())
	require.NoError(t, err)
	require.Len(t, res.Completed, len(registry.Categories))

	// Serialized units already wait one work period per slot, which covers
	// the stagger. Sleeping i*stagger on top of the queue would add
	// n(n-1)/2 stagger periods.
	n := time.Duration(len(registry.Categories))
	queued := n * work
	assert.Less(t, time.Since(start), queued+n*(n-1)/2*stagger)
}

func TestRunPhase_CancelledStaggerReportsFailure(t *testing.T) {
	f := newFixture(t, newFakeWorkspace(t), registry.UnitPreRecon, registry.UnitRecon)
	f.sched = NewScheduler(f.orch, SchedulerConfig{Stagger: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	f.runtime.OnExecute(func(_ context.Context, req core.RuntimeRequest, _ int) (*core.RuntimeResult, error) {
		writeValid(t, f.reg, req.WorkspacePath, req.Unit)
		cancel()
		return nil, nil
	})

	res, err := f.sched.RunPhase(ctx, phase(t, f, core.PhaseVulnAnalysis), f.load())
	require.NoError(t, err)
	assert.Len(t, f.runtime.Requests(), 1, "only the first unit launched")
	assert.Empty(t, res.Completed)
	assert.Len(t, res.Failed, len(registry.Categories))
	for _, fail := range res.Failed {
		assert.ErrorIs(t, fail.Err, context.Canceled)
	}

	s := f.load()
	assert.Equal(t, core.UnitPending, s.StatusOf(registry.VulnUnit("sqli")), "interrupted units are rerun on resume")
	assert.Empty(t, s.Running)
}
