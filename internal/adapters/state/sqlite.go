package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/retry"
)

//go:embed migrations/001_sessions.sql
var migrationV1 string

// SQLiteStore implements core.SessionStore in a SQLite database. Updates
// are optimistic: a write only lands if the row still carries the version
// it was read at, and stale writes are retried against a fresh read.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
	retry  *retry.Policy
}

// NewSQLiteStore opens (and migrates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: writers queue in database/sql instead of failing busy.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		dbPath: dbPath,
		db:     db,
		retry: retry.New(
			retry.WithMaxAttempts(8),
			retry.WithBaseDelay(5*time.Millisecond),
			retry.WithMaxDelay(250*time.Millisecond),
			retry.WithClassifier(isStaleVersion),
		),
	}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func isStaleVersion(err error) bool {
	var de *core.DomainError
	return errors.As(err, &de) && de.Code == core.CodeStaleVersion
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Create implements core.SessionStore.
func (s *SQLiteStore) Create(ctx context.Context, session *core.Session) error {
	session.Version = 1
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, target, target_key, status, version, data, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Target, core.NormalizeTarget(session.Target), string(session.Status),
		session.Version, string(data), session.CreatedAt.UTC(), session.LastActivity.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.ErrState("SESSION_EXISTS", "session already exists: "+session.ID)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Load implements core.SessionStore.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*core.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM sessions WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	return decodeSession(data)
}

// Update implements core.SessionStore. Writers in this process queue on the
// session key; the version predicate catches writers in other processes.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*core.Session) error) (*core.Session, error) {
	unlock, err := sessionLocks.Lock(ctx, "sqlite:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *core.Session
	err = s.retry.Run(ctx, func(ctx context.Context, _ int) error {
		current, err := s.Load(ctx, id)
		if err != nil {
			return err
		}
		base := current.Version
		if err := fn(current); err != nil {
			return err
		}
		current.ID = id
		current.Version = base + 1
		current.LastActivity = time.Now()

		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("marshaling session: %w", err)
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, version = ?, data = ?, last_activity = ?
			WHERE id = ? AND version = ?`,
			string(current.Status), current.Version, string(data), current.LastActivity.UTC(), id, base,
		)
		if err != nil {
			return fmt.Errorf("updating session %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("updating session %s: %w", id, err)
		}
		if n == 0 {
			return core.ErrState(core.CodeStaleVersion, fmt.Sprintf("session %s changed since version %d", id, base))
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// List implements core.SessionStore.
func (s *SQLiteStore) List(ctx context.Context) ([]core.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM sessions ORDER BY last_activity DESC")
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []core.SessionSummary
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		session, err := decodeSession(data)
		if err != nil {
			continue
		}
		out = append(out, session.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	core.SortSummaries(out)
	return out, nil
}

func decodeSession(data string) (*core.Session, error) {
	var session core.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, fmt.Sprintf("decoding session: %v", err))
	}
	if session.Checkpoints == nil {
		session.Checkpoints = make(map[string]string)
	}
	return &session, nil
}

var _ core.SessionStore = (*SQLiteStore)(nil)
