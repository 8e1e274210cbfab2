package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/airsalso/dokodemodoor/internal/core"
)

// Options configures a FileLock.
type Options struct {
	// StaleAfter is the age after which a lock is forcibly broken.
	StaleAfter time.Duration
	// Timeout bounds the total time spent acquiring.
	Timeout time.Duration
	// RetryDelay is the base delay between attempts; each wait is jittered.
	RetryDelay time.Duration
}

// DefaultOptions returns the default lock options.
func DefaultOptions() Options {
	return Options{
		StaleAfter: 30 * time.Second,
		Timeout:    15 * time.Second,
		RetryDelay: 50 * time.Millisecond,
	}
}

// lockInfo is the content of a lock file.
type lockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLock is a cross-process exclusive lock backed by an atomically created file.
type FileLock struct {
	path string
	opts Options

	mu    sync.Mutex
	token string
}

// NewFileLock creates a lock for path. Zero option fields take defaults.
func NewFileLock(path string, opts Options) *FileLock {
	def := DefaultOptions()
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	return &FileLock{path: path, opts: opts}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Acquire blocks until the lock is held, the timeout elapses or ctx is done.
func (l *FileLock) Acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return core.ErrFileSystem("creating lock directory", err)
	}

	deadline := time.Now().Add(l.opts.Timeout)
	var watcher *fsnotify.Watcher
	defer func() {
		if watcher != nil {
			_ = watcher.Close()
		}
	}()

	for {
		acquired, err := l.tryCreate()
		if err != nil {
			return err
		}
		if acquired {
			register(l)
			return nil
		}

		if stale, snapshot := l.checkStale(); stale {
			l.breakStale(snapshot)
			continue
		}

		if time.Now().After(deadline) {
			return core.ErrLockTimeout(fmt.Sprintf("timed out after %s waiting for %s", l.opts.Timeout, l.path))
		}

		if watcher == nil {
			watcher = l.watch()
		}
		if err := l.wait(ctx, watcher, deadline); err != nil {
			return err
		}
	}
}

// Release deletes the lock file if this lock still owns it.
func (l *FileLock) Release() error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()

	unregister(l)
	if token == "" {
		return nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.ErrFileSystem("reading lock file", err)
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err == nil && info.Token != token {
		return core.ErrState("LOCK_RELEASE_FAILED", fmt.Sprintf("lock %s is owned by pid %d", l.path, info.PID))
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return core.ErrFileSystem("removing lock file", err)
	}
	return nil
}

// Held reports whether this instance currently owns the lock.
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token != ""
}

// tryCreate performs the atomic create-if-absent step.
func (l *FileLock) tryCreate() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, core.ErrFileSystem("creating lock file", err)
	}

	hostname, _ := os.Hostname()
	info := lockInfo{
		PID:        os.Getpid(),
		Hostname:   hostname,
		Token:      uuid.NewString(),
		AcquiredAt: time.Now(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		return false, fmt.Errorf("marshaling lock info: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		return false, core.ErrFileSystem("writing lock file", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		return false, core.ErrFileSystem("syncing lock file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, core.ErrFileSystem("closing lock file", err)
	}

	l.mu.Lock()
	l.token = info.Token
	l.mu.Unlock()
	return true, nil
}

// checkStale inspects the current lock file. It returns the bytes it judged
// so the caller only removes that exact file.
func (l *FileLock) checkStale() (bool, []byte) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		// Gone between our create attempt and now: retry the create.
		return os.IsNotExist(err), nil
	}

	var info lockInfo
	if len(bytes.TrimSpace(data)) == 0 || json.Unmarshal(data, &info) != nil {
		// Still being written by its creator; only age can make it stale.
		st, statErr := os.Stat(l.path)
		if statErr != nil {
			return false, nil
		}
		return time.Since(st.ModTime()) > l.opts.StaleAfter, data
	}

	if time.Since(info.AcquiredAt) > l.opts.StaleAfter {
		return true, data
	}

	hostname, _ := os.Hostname()
	if info.PID > 0 && (info.Hostname == "" || info.Hostname == hostname) && !processAlive(info.PID) {
		return true, data
	}

	return false, nil
}

func (l *FileLock) breakStale(snapshot []byte) {
	if snapshot == nil {
		return
	}
	current, err := os.ReadFile(l.path)
	if err != nil || !bytes.Equal(current, snapshot) {
		return
	}
	_ = os.Remove(l.path)
}

// watch subscribes to removals of the lock file. A nil watcher means polling only.
func (l *FileLock) watch() *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		_ = w.Close()
		return nil
	}
	return w
}

func (l *FileLock) wait(ctx context.Context, watcher *fsnotify.Watcher, deadline time.Time) error {
	delay := jitter(l.opts.RetryDelay)
	if remaining := time.Until(deadline); remaining < delay {
		delay = remaining
	}
	if delay < time.Millisecond {
		delay = time.Millisecond
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(l.path) && ev.Has(fsnotify.Remove) {
				return nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		}
	}
}

// jitter returns d scaled by a random factor in [0.5, 1.5).
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

func processAlive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return exists
}

// WithFileLock runs fn while holding the lock at path.
func WithFileLock(ctx context.Context, path string, opts Options, fn func() error) error {
	l := NewFileLock(path, opts)
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}
