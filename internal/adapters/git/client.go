package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/airsalso/dokodemodoor/internal/core"
)

// lockSignatures are stderr fragments git prints when another process holds
// the index or a ref lock.
var lockSignatures = []string{
	"index.lock",
	"file exists",
	"cannot lock ref",
	"unable to create",
	"another git process",
}

// Client wraps git CLI operations.
type Client struct {
	repoPath string
	timeout  time.Duration
}

// NewClient creates a new git client.
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	client := &Client{
		repoPath: absPath,
		timeout:  30 * time.Second,
	}

	if err := client.verifyRepo(); err != nil {
		return nil, err
	}

	return client, nil
}

// verifyRepo checks if path is a git repository.
func (c *Client) verifyRepo() error {
	_, err := c.run(context.Background(), "rev-parse", "--git-dir")
	if err != nil {
		return core.ErrConfig(fmt.Sprintf("%s is not a git repository", c.repoPath))
	}
	return nil
}

// run executes a git command. Lock-contention failures come back as
// core.ErrLockContention so callers can retry them.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", core.ErrTimeout(fmt.Sprintf("git %s timed out", args[0]))
		}
		msg := strings.TrimSpace(stderr.String())
		if isLockContention(msg) {
			return "", core.ErrLockContention(fmt.Sprintf("git %s: %s", args[0], msg)).WithCause(err)
		}
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), msg, err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

func isLockContention(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, sig := range lockSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// Status represents `git status --porcelain` output.
type Status struct {
	Staged    []string
	Modified  []string
	Untracked []string
}

// IsClean returns true if there are no changes.
func (s *Status) IsClean() bool {
	return len(s.Staged) == 0 && len(s.Modified) == 0 && len(s.Untracked) == 0
}

// Status returns the working tree status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	output, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseStatus(output), nil
}

func parseStatus(output string) *Status {
	status := &Status{
		Staged:    make([]string, 0),
		Modified:  make([]string, 0),
		Untracked: make([]string, 0),
	}

	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		x, y, path := line[0], line[1], line[3:]
		if x == '?' && y == '?' {
			status.Untracked = append(status.Untracked, path)
			continue
		}
		if x != ' ' {
			status.Staged = append(status.Staged, path)
		}
		if y != ' ' {
			status.Modified = append(status.Modified, path)
		}
	}

	return status
}

// CurrentCommit returns the current commit hash.
func (c *Client) CurrentCommit(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "HEAD")
}

// AddAll stages every change including untracked files.
func (c *Client) AddAll(ctx context.Context) error {
	_, err := c.run(ctx, "add", "-A")
	return err
}

// Commit records a commit even when nothing is staged.
func (c *Client) Commit(ctx context.Context, message string) error {
	_, err := c.run(ctx, "commit", "--allow-empty", "--no-verify", "-m", message)
	return err
}

// ResetHard moves HEAD and the worktree to ref.
func (c *Client) ResetHard(ctx context.Context, ref string) error {
	_, err := c.run(ctx, "reset", "--hard", ref)
	return err
}

// Clean removes untracked files and directories except the excluded paths.
func (c *Client) Clean(ctx context.Context, exclude ...string) error {
	args := []string{"clean", "-fd"}
	for _, e := range exclude {
		args = append(args, "-e", e)
	}
	_, err := c.run(ctx, args...)
	return err
}

// RepoPath returns the repository path.
func (c *Client) RepoPath() string {
	return c.repoPath
}

// WithTimeout sets the command timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}
