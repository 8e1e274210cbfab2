package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/airsalso/dokodemodoor/internal/core"
)

// FakeRuntime implements core.Runtime with a scripted handler.
//
// The handler runs synchronously inside Execute and may write deliverables
// into req.WorkspacePath. Its result becomes the terminal event.
type FakeRuntime struct {
	mu      sync.Mutex
	handler func(ctx context.Context, req core.RuntimeRequest, call int) (*core.RuntimeResult, error)
	calls   []core.RuntimeRequest
	perUnit map[string]int
}

// NewFakeRuntime creates a runtime whose every call succeeds without writing anything.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{perUnit: make(map[string]int)}
}

// OnExecute sets the handler. call is the 1-based call count for req.Unit.
func (f *FakeRuntime) OnExecute(fn func(ctx context.Context, req core.RuntimeRequest, call int) (*core.RuntimeResult, error)) *FakeRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
	return f
}

// Execute implements core.Runtime.
func (f *FakeRuntime) Execute(ctx context.Context, req core.RuntimeRequest) (<-chan core.RuntimeEvent, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.perUnit[req.Unit]++
	call := f.perUnit[req.Unit]
	handler := f.handler
	f.mu.Unlock()

	result := &core.RuntimeResult{Success: true, Subtype: "success", Turns: 1}
	if handler != nil {
		r, err := handler(ctx, req, call)
		if err != nil {
			return nil, err
		}
		if r != nil {
			result = r
		}
	}

	ch := make(chan core.RuntimeEvent, 4)
	now := time.Now()
	ch <- core.RuntimeEvent{Type: core.RuntimeEventAssistant, Timestamp: now, Content: fmt.Sprintf("working on %s", req.Unit)}
	ch <- core.RuntimeEvent{Type: core.RuntimeEventToolStart, Timestamp: now, ToolID: "t1", ToolName: "Write", ToolInput: map[string]any{"path": "deliverables"}}
	ch <- core.RuntimeEvent{Type: core.RuntimeEventToolEnd, Timestamp: now, ToolID: "t1", ToolName: "Write", Content: "ok"}
	ch <- core.RuntimeEvent{Type: core.RuntimeEventResult, Timestamp: now, Result: result}
	close(ch)
	return ch, nil
}

// Calls returns the number of Execute calls for unit.
func (f *FakeRuntime) Calls(unit string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perUnit[unit]
}

// Requests returns a copy of every request received.
func (f *FakeRuntime) Requests() []core.RuntimeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.RuntimeRequest(nil), f.calls...)
}

// MemoryStore implements core.SessionStore in memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*core.Session
	saveErr  error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*core.Session)}
}

// WithSaveError makes every subsequent Create/Update fail with err.
func (m *MemoryStore) WithSaveError(err error) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
	return m
}

// Create implements core.SessionStore.
func (m *MemoryStore) Create(_ context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if _, ok := m.sessions[s.ID]; ok {
		return core.ErrState("SESSION_EXISTS", "session already exists: "+s.ID)
	}
	c := s.Clone()
	c.Version = 1
	m.sessions[s.ID] = c
	s.Version = 1
	return nil
}

// Load implements core.SessionStore.
func (m *MemoryStore) Load(_ context.Context, id string) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, core.ErrNotFound("session", id)
	}
	return s.Clone(), nil
}

// Update implements core.SessionStore.
func (m *MemoryStore) Update(_ context.Context, id string, fn func(*core.Session) error) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, core.ErrNotFound("session", id)
	}
	c := s.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	c.Version = s.Version + 1
	m.sessions[id] = c
	return c.Clone(), nil
}

// List implements core.SessionStore.
func (m *MemoryStore) List(_ context.Context) ([]core.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Summary())
	}
	core.SortSummaries(out)
	return out, nil
}
