package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/airsalso/dokodemodoor/internal/audit"
	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/lock"
	"github.com/airsalso/dokodemodoor/internal/registry"
	"github.com/airsalso/dokodemodoor/internal/testutil"
)

// fakeWorkspace records checkpoint and rollback calls without touching git.
type fakeWorkspace struct {
	path string

	mu          sync.Mutex
	commits     []string
	messages    []string
	rollbacks   []string
	cleanToHead int
	// checkpointErr fails every Checkpoint call when set.
	checkpointErr error
}

func newFakeWorkspace(t *testing.T) *fakeWorkspace {
	return &fakeWorkspace{path: t.TempDir()}
}

func (w *fakeWorkspace) Path() string { return w.path }

func (w *fakeWorkspace) Checkpoint(_ context.Context, message string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.checkpointErr != nil {
		return "", w.checkpointErr
	}
	id := fmt.Sprintf("c%d", len(w.commits)+1)
	w.commits = append(w.commits, id)
	w.messages = append(w.messages, message)
	return id, nil
}

func (w *fakeWorkspace) Head(context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.commits) == 0 {
		return "c0", nil
	}
	return w.commits[len(w.commits)-1], nil
}

func (w *fakeWorkspace) HasChanges(context.Context) (bool, error) { return false, nil }

func (w *fakeWorkspace) RollbackTo(_ context.Context, ref string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollbacks = append(w.rollbacks, ref)
	return nil
}

func (w *fakeWorkspace) CleanToHead(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanToHead++
	return nil
}

func (w *fakeWorkspace) Rollbacks() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.rollbacks...)
}

type fixture struct {
	t         *testing.T
	reg       *registry.Registry
	runtime   *testutil.FakeRuntime
	workspace core.Workspace
	store     *testutil.MemoryStore
	audit     *audit.Log
	auditDir  string
	session   *core.Session
	orch      *Orchestrator
	sched     *Scheduler
}

var testLockOptions = lock.Options{Timeout: 10 * time.Second, RetryDelay: 2 * time.Millisecond}

func newFixture(t *testing.T, ws core.Workspace, completed ...string) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		reg:       registry.Default(),
		runtime:   testutil.NewFakeRuntime(),
		workspace: ws,
		store:     testutil.NewMemoryStore(),
		auditDir:  t.TempDir(),
	}

	f.session = testutil.NewTestSession(testutil.WithWorkspace(ws.Path()), testutil.WithCompleted(completed...))
	require.NoError(t, f.store.Create(context.Background(), f.session))

	log, err := audit.New(f.auditDir, f.session, audit.Options{Lock: testLockOptions})
	require.NoError(t, err)
	f.audit = log

	f.orch = NewOrchestrator(OrchestratorDeps{
		Registry:  f.reg,
		Runtime:   f.runtime,
		Workspace: ws,
		Store:     f.store,
		Audit:     log,
	}, OrchestratorConfig{MaxAttempts: 3, BaseDelay: 0, MaxDelay: time.Millisecond})
	f.sched = NewScheduler(f.orch, SchedulerConfig{MaxConcurrency: 4})
	return f
}

func (f *fixture) load() *core.Session {
	f.t.Helper()
	s, err := f.store.Load(context.Background(), f.session.ID)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) metrics() *audit.MetricsDocument {
	f.t.Helper()
	m, err := f.audit.Snapshot()
	require.NoError(f.t, err)
	return m
}

func (f *fixture) deliverables() string {
	return filepath.Join(f.workspace.Path(), "deliverables")
}

func (f *fixture) write(name, content string) {
	f.t.Helper()
	writeDeliverable(f.t, f.workspace.Path(), name, content)
}

func writeDeliverable(t *testing.T, workspace, name, content string) {
	t.Helper()
	dir := filepath.Join(workspace, "deliverables")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// writesFor returns a runtime handler that writes valid deliverables for
// every unit in units, and nothing for the rest.
func writesFor(t *testing.T, reg *registry.Registry, units ...string) func(context.Context, core.RuntimeRequest, int) (*core.RuntimeResult, error) {
	ok := make(map[string]bool, len(units))
	for _, u := range units {
		ok[u] = true
	}
	return func(_ context.Context, req core.RuntimeRequest, _ int) (*core.RuntimeResult, error) {
		if ok[req.Unit] {
			writeValid(t, reg, req.WorkspacePath, req.Unit)
		}
		return nil, nil
	}
}

func writeValid(t *testing.T, reg *registry.Registry, workspace, unit string) {
	t.Helper()
	u, ok := reg.Unit(unit)
	require.True(t, ok, unit)
	for _, name := range u.Deliverables {
		switch name {
		case u.QueueFile:
			writeDeliverable(t, workspace, name, fmt.Sprintf(`{"vulnerabilities": [{"ID": "%s-1", "severity": "high", "source": "/api/%s", "vulnerability_type": "%s"}]}`, u.Category, u.Category, u.Category))
		case u.EvidenceFile:
			verdict := "EXPLOITED"
			if u.Category == "xss" {
				verdict = "POTENTIAL"
			}
			writeDeliverable(t, workspace, name, fmt.Sprintf(`{"vulnerability_id": "%s-1", "verdict": "%s",
				"evidence": [{"type": "command_output", "command": "curl /api", "output": "200"}],
				"reproduction_steps": ["send the payload"]}`, u.Category, verdict))
		default:
			writeDeliverable(t, workspace, name, "# "+u.DisplayName+"\n\nfindings\n")
		}
	}
}
