package core

import (
	"context"
)

// =============================================================================
// Workspace Port
// =============================================================================

// Workspace is the version-controlled shared workspace that units mutate.
// Implementations serialize mutating commands process-wide.
type Workspace interface {
	// Path returns the absolute workspace root.
	Path() string

	// Checkpoint stages everything and records a commit, even when nothing
	// changed. It returns the commit id.
	Checkpoint(ctx context.Context, message string) (string, error)

	// Head returns the current commit id.
	Head(ctx context.Context) (string, error)

	// HasChanges reports whether the working tree differs from HEAD.
	HasChanges(ctx context.Context) (bool, error)

	// RollbackTo discards tracked and untracked changes back to ref while
	// preserving the designated output directories.
	RollbackTo(ctx context.Context, ref string) error

	// CleanToHead is RollbackTo(HEAD).
	CleanToHead(ctx context.Context) error
}

// =============================================================================
// Session Store Port
// =============================================================================

// SessionStore persists session records.
type SessionStore interface {
	// Create persists a new session. It fails if the id already exists.
	Create(ctx context.Context, session *Session) error

	// Load returns the session with the given id.
	Load(ctx context.Context, id string) (*Session, error)

	// Update applies fn to the freshly loaded session inside a critical
	// section and persists the result. It returns the persisted copy.
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)

	// List returns summaries of all sessions, most recent first.
	List(ctx context.Context) ([]SessionSummary, error)
}
