package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/airsalso/dokodemodoor/internal/fsutil"
	"github.com/airsalso/dokodemodoor/internal/lock"
	"github.com/airsalso/dokodemodoor/internal/logging"
	"github.com/airsalso/dokodemodoor/internal/retry"
)

// processQueue serializes mutating git commands across every Workspace in
// the process.
var processQueue = lock.NewSemaphore()

// Options configures a Workspace.
type Options struct {
	// Timeout bounds each git command.
	Timeout time.Duration
	// LockRetries is the attempt budget for lock-contention failures.
	LockRetries int
	// LockBaseDelay is the first backoff delay; it doubles per attempt.
	LockBaseDelay time.Duration
	// Preserve lists workspace-relative directories that survive rollbacks.
	Preserve []string
	// Queue overrides the process-wide mutation queue.
	Queue  *lock.Semaphore
	Logger *logging.Logger
}

// Workspace is the git-backed core.Workspace.
type Workspace struct {
	client   *Client
	queue    *lock.Semaphore
	retry    *retry.Policy
	preserve []string
	logger   *logging.Logger
}

// NewWorkspace opens the git repository at path.
func NewWorkspace(path string, opts Options) (*Workspace, error) {
	client, err := NewClient(path)
	if err != nil {
		return nil, err
	}
	client.WithTimeout(opts.Timeout)

	policy := retry.GitLock()
	if opts.LockRetries > 0 {
		policy.MaxAttempts = opts.LockRetries
	}
	if opts.LockBaseDelay > 0 {
		policy.BaseDelay = opts.LockBaseDelay
	}

	queue := opts.Queue
	if queue == nil {
		queue = processQueue
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Workspace{
		client:   client,
		queue:    queue,
		retry:    policy,
		preserve: opts.Preserve,
		logger:   logger,
	}, nil
}

// Path implements core.Workspace.
func (w *Workspace) Path() string {
	return w.client.RepoPath()
}

// Checkpoint implements core.Workspace.
func (w *Workspace) Checkpoint(ctx context.Context, message string) (string, error) {
	var commit string
	err := w.queue.Do(ctx, func() error {
		if err := w.withRetry(ctx, "add", w.client.AddAll); err != nil {
			return err
		}
		if err := w.withRetry(ctx, "commit", func(ctx context.Context) error {
			return w.client.Commit(ctx, message)
		}); err != nil {
			return err
		}
		head, err := w.client.CurrentCommit(ctx)
		if err != nil {
			return err
		}
		commit = head
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("checkpoint %q: %w", message, err)
	}
	return commit, nil
}

// Head implements core.Workspace.
func (w *Workspace) Head(ctx context.Context) (string, error) {
	return w.client.CurrentCommit(ctx)
}

// HasChanges implements core.Workspace.
func (w *Workspace) HasChanges(ctx context.Context) (bool, error) {
	status, err := w.client.Status(ctx)
	if err != nil {
		return false, err
	}
	return !status.IsClean(), nil
}

// RollbackTo implements core.Workspace. The preserved directories are copied
// aside, the tree is reset and cleaned, and the copies are merged back.
func (w *Workspace) RollbackTo(ctx context.Context, ref string) error {
	err := w.queue.Do(ctx, func() error {
		return w.withPreserved(func() error {
			if err := w.withRetry(ctx, "reset", func(ctx context.Context) error {
				return w.client.ResetHard(ctx, ref)
			}); err != nil {
				return err
			}
			return w.withRetry(ctx, "clean", func(ctx context.Context) error {
				return w.client.Clean(ctx, w.preserve...)
			})
		})
	})
	if err != nil {
		return fmt.Errorf("rollback to %s: %w", ref, err)
	}
	w.logger.Debug("workspace rolled back", "ref", ref)
	return nil
}

// CleanToHead implements core.Workspace.
func (w *Workspace) CleanToHead(ctx context.Context) error {
	return w.RollbackTo(ctx, "HEAD")
}

func (w *Workspace) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	return w.retry.RunNotify(ctx, func(ctx context.Context, _ int) error {
		return fn(ctx)
	}, func(attempt int, err error, delay time.Duration) {
		w.logger.Warn("git lock contention, retrying",
			"op", op, "attempt", attempt, "delay", delay, "error", err)
	})
}

// withPreserved runs fn with the preserved directories saved to a temp dir
// and restored afterwards, even when fn fails.
func (w *Workspace) withPreserved(fn func() error) (err error) {
	if len(w.preserve) == 0 {
		return fn()
	}

	tmp, err := os.MkdirTemp("", "dokodemodoor-preserve-*")
	if err != nil {
		return fmt.Errorf("creating preserve dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	root := w.Path()
	for i, dir := range w.preserve {
		if err := fsutil.CopyTree(filepath.Join(root, dir), filepath.Join(tmp, fmt.Sprint(i))); err != nil {
			return fmt.Errorf("preserving %s: %w", dir, err)
		}
	}

	defer func() {
		for i, dir := range w.preserve {
			if rerr := fsutil.CopyTree(filepath.Join(tmp, fmt.Sprint(i)), filepath.Join(root, dir)); rerr != nil && err == nil {
				err = fmt.Errorf("restoring %s: %w", dir, rerr)
			}
		}
	}()

	return fn()
}
