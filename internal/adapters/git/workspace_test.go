package git_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airsalso/dokodemodoor/internal/adapters/git"
	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/lock"
	"github.com/airsalso/dokodemodoor/internal/retry"
	"github.com/airsalso/dokodemodoor/internal/testutil"
)

func newWorkspace(t *testing.T, repo *testutil.GitRepo, opts git.Options) *git.Workspace {
	t.Helper()
	if opts.Preserve == nil {
		opts.Preserve = []string{"deliverables", "outputs"}
	}
	if opts.Queue == nil {
		opts.Queue = lock.NewSemaphore()
	}
	ws, err := git.NewWorkspace(repo.Path, opts)
	require.NoError(t, err)
	return ws
}

func seededRepo(t *testing.T) *testutil.GitRepo {
	t.Helper()
	repo := testutil.NewGitRepo(t)
	repo.WriteFile("app/main.go", "package main\n")
	repo.WriteFile("README.md", "# target\n")
	repo.Commit("Initial commit")
	return repo
}

func TestWorkspace_ImplementsPort(t *testing.T) {
	var _ core.Workspace = (*git.Workspace)(nil)
}

func TestWorkspace_CheckpointAlwaysCommits(t *testing.T) {
	repo := seededRepo(t)
	ws := newWorkspace(t, repo, git.Options{})
	ctx := context.Background()

	before := repo.CommitCount()
	first, err := ws.Checkpoint(ctx, "checkpoint: recon attempt 1")
	require.NoError(t, err)
	second, err := ws.Checkpoint(ctx, "checkpoint: recon attempt 2")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, before+2, repo.CommitCount())

	head, err := ws.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, head)
}

func TestWorkspace_CheckpointStagesEverything(t *testing.T) {
	repo := seededRepo(t)
	ws := newWorkspace(t, repo, git.Options{})
	ctx := context.Background()

	repo.WriteFile("notes.txt", "untracked")
	dirty, err := ws.HasChanges(ctx)
	require.NoError(t, err)
	assert.True(t, dirty)

	_, err = ws.Checkpoint(ctx, "stage all")
	require.NoError(t, err)

	dirty, err = ws.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestWorkspace_RollbackRestoresTreeAndKeepsDeliverables(t *testing.T) {
	repo := seededRepo(t)
	ws := newWorkspace(t, repo, git.Options{})
	ctx := context.Background()

	checkpoint, err := ws.Checkpoint(ctx, "checkpoint: sqli-vuln attempt 1")
	require.NoError(t, err)
	want := repo.Snapshot("deliverables", "outputs")

	// A failed attempt edits tracked files, litters untracked ones and
	// writes a deliverable.
	repo.WriteFile("app/main.go", "package main\n// tampered\n")
	repo.WriteFile("app/tmp/scratch.txt", "scratch")
	repo.WriteFile("deliverables/sqli_analysis_deliverable.md", "partial analysis")
	repo.WriteFile("outputs/scan.txt", "raw output")

	require.NoError(t, ws.RollbackTo(ctx, checkpoint))

	assert.Equal(t, want, repo.Snapshot("deliverables", "outputs"))
	assert.Equal(t, "partial analysis", repo.ReadFile("deliverables/sqli_analysis_deliverable.md"))
	assert.Equal(t, "raw output", repo.ReadFile("outputs/scan.txt"))
}

func TestWorkspace_RollbackKeepsNewerTrackedDeliverable(t *testing.T) {
	repo := seededRepo(t)
	repo.WriteFile("deliverables/recon_deliverable.md", "v1")
	checkpoint := repo.Commit("recon done")
	ws := newWorkspace(t, repo, git.Options{})

	repo.WriteFile("deliverables/recon_deliverable.md", "v2")
	require.NoError(t, ws.RollbackTo(context.Background(), checkpoint))

	assert.Equal(t, "v2", repo.ReadFile("deliverables/recon_deliverable.md"))
}

func TestWorkspace_CleanToHead(t *testing.T) {
	repo := seededRepo(t)
	ws := newWorkspace(t, repo, git.Options{})

	repo.WriteFile("README.md", "changed")
	repo.WriteFile("stray.txt", "stray")
	require.NoError(t, ws.CleanToHead(context.Background()))

	assert.Equal(t, "# target\n", repo.ReadFile("README.md"))
	assert.Equal(t, "", repo.ReadFile("stray.txt"))
}

func TestWorkspace_ConcurrentCheckpointsSerialize(t *testing.T) {
	repo := seededRepo(t)
	ws := newWorkspace(t, repo, git.Options{})
	ctx := context.Background()
	before := repo.CommitCount()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ws.Checkpoint(ctx, "parallel checkpoint"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent checkpoint failed: %v", err)
	}
	assert.Equal(t, before+n, repo.CommitCount())
}

func TestWorkspace_RetriesIndexLock(t *testing.T) {
	repo := seededRepo(t)
	ws := newWorkspace(t, repo, git.Options{LockRetries: 6, LockBaseDelay: 50 * time.Millisecond})

	lockPath := filepath.Join(repo.Path, ".git", "index.lock")
	require.NoError(t, os.WriteFile(lockPath, nil, 0o644))
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = os.Remove(lockPath)
	}()

	_, err := ws.Checkpoint(context.Background(), "after contention")
	require.NoError(t, err)
}

func TestWorkspace_LockContentionExhausted(t *testing.T) {
	repo := seededRepo(t)
	ws := newWorkspace(t, repo, git.Options{LockRetries: 2, LockBaseDelay: 5 * time.Millisecond})

	lockPath := filepath.Join(repo.Path, ".git", "index.lock")
	require.NoError(t, os.WriteFile(lockPath, nil, 0o644))
	t.Cleanup(func() { _ = os.Remove(lockPath) })

	repo.WriteFile("change.txt", "x")
	_, err := ws.Checkpoint(context.Background(), "blocked")
	require.Error(t, err)
	assert.True(t, retry.IsExhausted(err))
	assert.True(t, core.IsKind(err, core.KindLockContention))
}
