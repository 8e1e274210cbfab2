package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/fsutil"
	"github.com/airsalso/dokodemodoor/internal/lock"
)

// sessionLocks serializes read-modify-write cycles per session id within the
// process. The file lock covers other processes.
var sessionLocks = lock.NewKeyedMutex()

// JSONStore implements core.SessionStore with one JSON document per session
// at <root>/<normalized-target>/<session-id>.json.
type JSONStore struct {
	root     string
	lockOpts lock.Options
}

// JSONStoreOption configures the store.
type JSONStoreOption func(*JSONStore)

// WithLockOptions sets the file lock options used around updates.
func WithLockOptions(opts lock.Options) JSONStoreOption {
	return func(s *JSONStore) {
		s.lockOpts = opts
	}
}

// NewJSONStore creates a store rooted at root.
func NewJSONStore(root string, opts ...JSONStoreOption) *JSONStore {
	s := &JSONStore{root: root, lockOpts: lock.DefaultOptions()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sessionEnvelope wraps a session with an integrity checksum.
type sessionEnvelope struct {
	Checksum  string        `json:"checksum"`
	UpdatedAt time.Time     `json:"updated_at"`
	Session   *core.Session `json:"session"`
}

// PathFor returns the record path of a session.
func (s *JSONStore) PathFor(session *core.Session) string {
	return filepath.Join(s.root, core.NormalizeTarget(session.Target), session.ID+".json")
}

// find locates the record of id under any target directory.
func (s *JSONStore) find(id string) (string, error) {
	if strings.ContainsAny(id, `/\`) || id == "" || id == "." || id == ".." {
		return "", core.ErrSecurity(fmt.Sprintf("invalid session id %q", id))
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "*", id+".json"))
	if err != nil {
		return "", fmt.Errorf("searching session %s: %w", id, err)
	}
	if len(matches) == 0 {
		return "", core.ErrNotFound("session", id)
	}
	if len(matches) > 1 {
		return "", core.ErrState(core.CodeStateCorrupted, fmt.Sprintf("session %s recorded under %d targets", id, len(matches)))
	}
	return matches[0], nil
}

// Create implements core.SessionStore.
func (s *JSONStore) Create(ctx context.Context, session *core.Session) error {
	if _, err := s.find(session.ID); err == nil {
		return core.ErrState("SESSION_EXISTS", "session already exists: "+session.ID)
	} else if !core.IsKind(err, core.KindNotFound) {
		return err
	}

	path := s.PathFor(session)
	return sessionLocks.WithLock(ctx, session.ID, func() error {
		return lock.WithFileLock(ctx, path+".lock", s.lockOpts, func() error {
			if fsutil.Exists(path) {
				return core.ErrState("SESSION_EXISTS", "session already exists: "+session.ID)
			}
			session.Version = 1
			return s.write(path, session)
		})
	})
}

// Load implements core.SessionStore.
func (s *JSONStore) Load(_ context.Context, id string) (*core.Session, error) {
	path, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return s.read(path)
}

// Update implements core.SessionStore. The record is reloaded inside the
// critical section and written only if its version did not move, so an
// update is never based on a stale copy.
func (s *JSONStore) Update(ctx context.Context, id string, fn func(*core.Session) error) (*core.Session, error) {
	path, err := s.find(id)
	if err != nil {
		return nil, err
	}

	var out *core.Session
	err = sessionLocks.WithLock(ctx, id, func() error {
		return lock.WithFileLock(ctx, path+".lock", s.lockOpts, func() error {
			current, err := s.read(path)
			if err != nil {
				return err
			}
			base := current.Version
			next := current.Clone()
			if err := fn(next); err != nil {
				return err
			}

			onDisk, err := s.read(path)
			if err != nil {
				return err
			}
			if onDisk.Version != base {
				return core.ErrState(core.CodeStaleVersion,
					fmt.Sprintf("session %s moved from version %d to %d during update", id, base, onDisk.Version))
			}

			next.ID = id
			next.Version = base + 1
			next.LastActivity = time.Now()
			if err := s.write(path, next); err != nil {
				return err
			}
			out = next.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List implements core.SessionStore.
func (s *JSONStore) List(_ context.Context) ([]core.SessionSummary, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]core.SessionSummary, 0, len(matches))
	for _, path := range matches {
		session, err := s.read(path)
		if err != nil {
			continue
		}
		out = append(out, session.Summary())
	}
	core.SortSummaries(out)
	return out, nil
}

func (s *JSONStore) write(path string, session *core.Session) error {
	body, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	hash := sha256.Sum256(body)
	data, err := json.MarshalIndent(sessionEnvelope{
		Checksum:  hex.EncodeToString(hash[:]),
		UpdatedAt: time.Now().UTC(),
		Session:   session,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return core.ErrFileSystem("writing session record", err)
	}
	return nil
}

func (s *JSONStore) read(path string) (*core.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.ErrNotFound("session", strings.TrimSuffix(filepath.Base(path), ".json"))
		}
		return nil, core.ErrFileSystem("reading session record", err)
	}

	var env sessionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, fmt.Sprintf("%s: %v", filepath.Base(path), err))
	}
	if env.Session == nil {
		return nil, core.ErrState(core.CodeStateCorrupted, filepath.Base(path)+": no session")
	}
	body, err := json.Marshal(env.Session)
	if err != nil {
		return nil, fmt.Errorf("marshaling session for checksum: %w", err)
	}
	hash := sha256.Sum256(body)
	if hex.EncodeToString(hash[:]) != env.Checksum {
		return nil, core.ErrState(core.CodeStateCorrupted, filepath.Base(path)+": checksum mismatch")
	}
	if env.Session.Checkpoints == nil {
		env.Session.Checkpoints = make(map[string]string)
	}
	return env.Session, nil
}

var _ core.SessionStore = (*JSONStore)(nil)
