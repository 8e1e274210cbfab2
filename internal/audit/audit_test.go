package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/lock"
	"github.com/airsalso/dokodemodoor/internal/testutil"
)

var testLockOpts = lock.Options{Timeout: 5 * time.Second, RetryDelay: 2 * time.Millisecond}

func newLog(t *testing.T, opts Options) *Log {
	t.Helper()
	opts.Lock = testLockOpts
	l, err := New(t.TempDir(), testutil.NewTestSession(), opts)
	require.NoError(t, err)
	return l
}

func TestStartUnit_WritesHeaderAndStart(t *testing.T) {
	l := newLog(t, Options{})
	ctx := context.Background()

	a, err := l.StartUnit(ctx, StartInfo{Unit: "recon", Phase: core.PhaseRecon, Attempt: 1, Prompt: "map it", Checkpoint: "abc123"})
	require.NoError(t, err)
	require.NoError(t, l.EndUnit(ctx, a, EndInfo{Succeeded: true, Checkpoint: "def456", Final: true, Status: core.UnitCompleted}))

	assert.Equal(t, "agents", filepath.Base(filepath.Dir(a.Path())))
	assert.True(t, strings.HasSuffix(a.Path(), "_recon_attempt-1.log"))

	header, entries, err := ReadEntries(a.Path())
	require.NoError(t, err)
	require.NotNil(t, header)
	assert.Equal(t, EventHeader, header.Type)
	assert.Equal(t, SchemaVersion, header.SchemaVersion)
	assert.Equal(t, "recon", header.Unit)

	require.Len(t, entries, 2)
	assert.Equal(t, EventAgentStart, entries[0].Type)
	assert.Equal(t, "abc123", entries[0].Data["checkpoint"])
	assert.Equal(t, EventAgentEnd, entries[1].Type)
	assert.Equal(t, 2, entries[1].Seq)

	debug, err := os.ReadFile(strings.TrimSuffix(a.Path(), ".log") + ".debug.log")
	require.NoError(t, err)
	assert.Contains(t, string(debug), "AGENT_START")
	assert.Contains(t, string(debug), "AGENT_END")
}

func TestLogEvent_RuntimeEvents(t *testing.T) {
	l := newLog(t, Options{})
	ctx := context.Background()
	a, err := l.StartUnit(ctx, StartInfo{Unit: "sqli-vuln", Attempt: 1})
	require.NoError(t, err)

	events := []core.RuntimeEvent{
		{Type: core.RuntimeEventAssistant, Content: "looking at /login"},
		{Type: core.RuntimeEventToolStart, ToolID: "t1", ToolName: "Bash", ToolInput: map[string]any{"command": "curl /login"}},
		{Type: core.RuntimeEventToolEnd, ToolID: "t1", ToolName: "Bash", Content: "200 OK"},
		{Type: core.RuntimeEventResult, Result: &core.RuntimeResult{Success: true, Subtype: "success", CostUSD: 0.5, Turns: 3}},
	}
	for _, ev := range events {
		require.NoError(t, l.LogEvent(a, ev))
	}
	require.NoError(t, l.LogError(a, core.ErrValidation(core.CodeDeliverableMissing, "no queue")))
	require.NoError(t, l.EndUnit(ctx, a, EndInfo{Err: fmt.Errorf("boom")}))

	_, entries, err := ReadEntries(a.Path())
	require.NoError(t, err)

	var types []EventType
	for _, e := range entries {
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{
		EventAgentStart, EventLLMResponse, EventToolStart, EventToolEnd, EventLLMResponse, EventError, EventAgentEnd,
	}, types)
	assert.Equal(t, "validation", entries[5].Data["kind"])
	assert.Equal(t, true, entries[5].Data["retryable"])
	assert.Equal(t, true, entries[4].Data["final"])
}

func TestAppend_AfterCloseFails(t *testing.T) {
	l := newLog(t, Options{})
	a, err := l.StartUnit(context.Background(), StartInfo{Unit: "recon", Attempt: 1})
	require.NoError(t, err)
	require.NoError(t, l.EndUnit(context.Background(), a, EndInfo{}))

	err = l.Note(a, "late", nil)
	assert.True(t, core.IsKind(err, core.KindState))
}

func TestRedaction(t *testing.T) {
	l := newLog(t, Options{Redact: true})
	a, err := l.StartUnit(context.Background(), StartInfo{Unit: "auth-exploit", Attempt: 1})
	require.NoError(t, err)

	require.NoError(t, l.LogEvent(a, core.RuntimeEvent{
		Type:    core.RuntimeEventToolEnd,
		Content: "HTTP/1.1 200 OK\nSet-Cookie: session=abcdef0123456789",
	}))
	require.NoError(t, l.EndUnit(context.Background(), a, EndInfo{}))

	data, err := os.ReadFile(a.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "abcdef0123456789")
}

func TestPromptSnapshot_FirstAttemptOnly(t *testing.T) {
	l := newLog(t, Options{})
	ctx := context.Background()

	a1, err := l.StartUnit(ctx, StartInfo{Unit: "recon", Attempt: 1, Prompt: "first prompt", Workspace: "/ws"})
	require.NoError(t, err)
	require.NoError(t, l.EndUnit(ctx, a1, EndInfo{}))

	a2, err := l.StartUnit(ctx, StartInfo{Unit: "recon", Attempt: 2, Prompt: "second prompt"})
	require.NoError(t, err)
	require.NoError(t, l.EndUnit(ctx, a2, EndInfo{Succeeded: true, Final: true, Status: core.UnitCompleted}))

	meta, body, err := ReadPrompt(l.Dir(), "recon")
	require.NoError(t, err)
	assert.Equal(t, "first prompt\n", body)
	assert.Equal(t, "recon", meta.Unit)
	assert.Equal(t, "sess-test-0001", meta.SessionID)
	assert.Equal(t, "/ws", meta.Workspace)
}

func TestMetrics_AttemptsAreMonotonic(t *testing.T) {
	l := newLog(t, Options{})
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		a, err := l.StartUnit(ctx, StartInfo{Unit: "xss-vuln", Attempt: attempt})
		require.NoError(t, err)
		end := EndInfo{Result: &core.RuntimeResult{CostUSD: 0.25}}
		if attempt == 3 {
			end.Succeeded, end.Final, end.Status, end.Checkpoint = true, true, core.UnitCompleted, "c3"
		}
		require.NoError(t, l.EndUnit(ctx, a, end))
	}

	doc, err := l.Snapshot()
	require.NoError(t, err)
	u := doc.Units["xss-vuln"]
	require.NotNil(t, u)
	assert.Equal(t, 3, u.Attempts)
	assert.Equal(t, core.UnitCompleted, u.Status)
	assert.Equal(t, "c3", u.Checkpoint)
	assert.InDelta(t, 0.75, u.CostUSD, 1e-9)
	assert.InDelta(t, 0.75, doc.TotalCostUSD, 1e-9)
	require.Len(t, u.History, 3)
	assert.Equal(t, AttemptFailed, u.History[0].Status)
	assert.Equal(t, AttemptSucceeded, u.History[2].Status)
}

func TestMetrics_ConcurrentEndUnitLosesNothing(t *testing.T) {
	root := t.TempDir()
	session := testutil.NewTestSession()
	ctx := context.Background()
	const n = 16

	// Separate facades share nothing in memory, like parallel units that
	// each built their own.
	attempts := make([]*Attempt, n)
	logs := make([]*Log, n)
	for i := 0; i < n; i++ {
		l, err := New(root, session, Options{Lock: testLockOpts})
		require.NoError(t, err)
		logs[i] = l
		a, err := l.StartUnit(ctx, StartInfo{Unit: fmt.Sprintf("unit-%02d", i), Attempt: 1})
		require.NoError(t, err)
		attempts[i] = a
	}

	before, err := ReadMetrics(SessionDir(root, session.ID))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- logs[i].EndUnit(ctx, attempts[i], EndInfo{
				Succeeded: true, Final: true, Status: core.UnitCompleted,
				Result: &core.RuntimeResult{CostUSD: 1},
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	data, err := os.ReadFile(filepath.Join(SessionDir(root, session.ID), MetricsFile))
	require.NoError(t, err)
	var doc MetricsDocument
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Equal(t, before.Updates+n, doc.Updates)
	require.Len(t, doc.Units, n)
	for name, u := range doc.Units {
		assert.Equal(t, core.UnitCompleted, u.Status, name)
	}
	assert.InDelta(t, float64(n), doc.TotalCostUSD, 1e-9)
	assert.NoFileExists(t, filepath.Join(SessionDir(root, session.ID), MetricsFile+".lock"))
}

func TestMarkUnit(t *testing.T) {
	l := newLog(t, Options{})
	require.NoError(t, l.MarkUnit(context.Background(), "sqli-exploit", core.UnitSkipped))

	doc, err := ReadMetrics(l.Dir())
	require.NoError(t, err)
	assert.Equal(t, core.UnitSkipped, doc.Units["sqli-exploit"].Status)
	assert.Equal(t, 0, doc.Units["sqli-exploit"].Attempts)
}

func TestSetCheckpoint(t *testing.T) {
	l := newLog(t, Options{})
	ctx := context.Background()
	a, err := l.StartUnit(ctx, StartInfo{Unit: "recon", Attempt: 1})
	require.NoError(t, err)
	require.NoError(t, l.SetCheckpoint(ctx, a, "c1"))

	m, err := l.Snapshot()
	require.NoError(t, err)
	require.Len(t, m.Units["recon"].History, 1)
	assert.Equal(t, "c1", m.Units["recon"].History[0].Checkpoint, "crash recovery reads it from the open entry")

	require.NoError(t, l.EndUnit(ctx, a, EndInfo{Checkpoint: "c1", Err: errors.New("no deliverable")}))
	_, entries, err := ReadEntries(a.Path())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, EventNote, entries[1].Type)
	assert.Equal(t, "c1", entries[1].Data["checkpoint"])
}

func TestRecordFailure(t *testing.T) {
	l := newLog(t, Options{})
	require.NoError(t, l.RecordFailure(context.Background(), "recon", 2, errors.New("opening attempt log: disk full")))

	m, err := l.Snapshot()
	require.NoError(t, err)
	u := m.Units["recon"]
	assert.Equal(t, 2, u.Attempts)
	require.Len(t, u.History, 1)
	assert.Equal(t, AttemptFailed, u.History[0].Status)
	assert.NotNil(t, u.History[0].EndedAt)
	assert.Contains(t, u.History[0].Error, "disk full")
}

func TestMarkBlocked(t *testing.T) {
	l := newLog(t, Options{})
	ctx := context.Background()
	require.NoError(t, l.MarkBlocked(ctx, "sqli-exploit", "sqli_exploitation_queue.json is empty"))

	m, err := l.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, core.UnitPending, m.Units["sqli-exploit"].Status)
	assert.Equal(t, "sqli_exploitation_queue.json is empty", m.Units["sqli-exploit"].Blocked)

	_, err = l.StartUnit(ctx, StartInfo{Unit: "sqli-exploit", Attempt: 1})
	require.NoError(t, err)
	m, err = l.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, m.Units["sqli-exploit"].Blocked)
}

func TestReadMetrics_Missing(t *testing.T) {
	_, err := ReadMetrics(t.TempDir())
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestMetrics_CorruptFile(t *testing.T) {
	l := newLog(t, Options{})
	require.NoError(t, os.WriteFile(l.Metrics().Path(), []byte("{\"units\": "), 0o644))

	err := l.MarkUnit(context.Background(), "recon", core.UnitPending)
	assert.True(t, core.IsKind(err, core.KindState))
}
