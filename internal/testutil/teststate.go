package testutil

import (
	"github.com/airsalso/dokodemodoor/internal/core"
)

// NewTestSession creates a Session with sensible defaults for tests.
// Use functional options to override specific fields.
func NewTestSession(opts ...func(*core.Session)) *core.Session {
	s := core.NewSession("sess-test-0001", "https://target.example", "/tmp/workspace")
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithCompleted marks units completed.
func WithCompleted(units ...string) func(*core.Session) {
	return func(s *core.Session) {
		for _, u := range units {
			s.SetStatus(u, core.UnitCompleted)
		}
	}
}

// WithWorkspace sets the workspace path.
func WithWorkspace(path string) func(*core.Session) {
	return func(s *core.Session) {
		s.WorkspacePath = path
	}
}
