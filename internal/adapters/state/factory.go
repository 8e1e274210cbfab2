package state

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/lock"
)

// Backends accepted by NewStore.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// StoreOptions configures store creation.
type StoreOptions struct {
	// Backend is "json" (default) or "sqlite".
	Backend string
	// Dir is the state directory. The SQLite backend keeps sessions.db there.
	Dir string
	// Lock configures the JSON backend's file locks.
	Lock lock.Options
}

// NewStore creates the configured session store.
func NewStore(opts StoreOptions) (core.SessionStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendJSON:
		return NewJSONStore(opts.Dir, WithLockOptions(opts.Lock)), nil
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(opts.Dir, "sessions.db"))
	default:
		return nil, core.ErrConfig(fmt.Sprintf("unknown state backend %q", opts.Backend))
	}
}

// Closeable is implemented by stores that hold resources.
type Closeable interface {
	Close() error
}

// CloseStore closes s if it holds resources.
func CloseStore(s core.SessionStore) error {
	if c, ok := s.(Closeable); ok {
		return c.Close()
	}
	return nil
}
