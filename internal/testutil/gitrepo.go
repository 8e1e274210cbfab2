package testutil

import (
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// GitRepo is a throwaway workspace repository on the "main" branch with
// signing disabled and a fixed identity.
type GitRepo struct {
	Path string
	t    *testing.T
}

// NewGitRepo initializes an empty repository in a temp dir.
func NewGitRepo(t *testing.T) *GitRepo {
	t.Helper()
	r := &GitRepo{Path: t.TempDir(), t: t}
	for _, args := range [][]string{
		{"init", "--quiet"},
		{"config", "user.email", "assessor@example.com"},
		{"config", "user.name", "Assessor"},
		{"config", "commit.gpgsign", "false"},
		{"checkout", "--quiet", "-b", "main"},
	} {
		r.must(args...)
	}
	return r
}

// Run executes git in the repository and returns its trimmed output.
func (r *GitRepo) Run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.Path
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (r *GitRepo) must(args ...string) string {
	r.t.Helper()
	out, err := r.Run(args...)
	if err != nil {
		r.t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// WriteFile writes a workspace-relative file, creating parent directories.
func (r *GitRepo) WriteFile(name, content string) {
	r.t.Helper()
	path := filepath.Join(r.Path, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.t.Fatalf("creating directory for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		r.t.Fatalf("writing %s: %v", name, err)
	}
}

// ReadFile returns a workspace-relative file's content, or "" when absent.
func (r *GitRepo) ReadFile(name string) string {
	r.t.Helper()
	data, err := os.ReadFile(filepath.Join(r.Path, filepath.FromSlash(name)))
	if os.IsNotExist(err) {
		return ""
	}
	if err != nil {
		r.t.Fatalf("reading %s: %v", name, err)
	}
	return string(data)
}

// Commit stages everything and records a commit, even an empty one. It
// returns the new HEAD.
func (r *GitRepo) Commit(message string) string {
	r.t.Helper()
	r.must("add", "-A")
	r.must("commit", "--quiet", "--allow-empty", "-m", message)
	return r.Head()
}

// Head returns the current commit id.
func (r *GitRepo) Head() string {
	r.t.Helper()
	return r.must("rev-parse", "HEAD")
}

// CommitCount returns the number of commits reachable from HEAD.
func (r *GitRepo) CommitCount() int {
	r.t.Helper()
	n, err := strconv.Atoi(r.must("rev-list", "--count", "HEAD"))
	if err != nil {
		r.t.Fatalf("parsing commit count: %v", err)
	}
	return n
}

// Snapshot maps every worktree file outside .git and the excluded
// top-level directories to its content. Comparing two snapshots shows
// whether a rollback restored the tree.
func (r *GitRepo) Snapshot(exclude ...string) map[string]string {
	r.t.Helper()
	skip := map[string]bool{".git": true}
	for _, e := range exclude {
		skip[e] = true
	}

	out := make(map[string]string)
	err := filepath.WalkDir(r.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(r.Path, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skip[rel] {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		r.t.Fatalf("snapshotting %s: %v", r.Path, err)
	}
	return out
}
