package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orcflow/internal/git"
	"github.com/randalmurphal/orcflow/internal/testutil"
)

func newManager() *Manager {
	return NewManager(git.New())
}

func TestSetupStay(t *testing.T) {
	t.Parallel()
	repo := testutil.SetupTestRepo(t)
	m := newManager()
	ctx := context.Background()

	res, err := m.Setup(ctx, repo.RootDir, Request{RunID: "RUN-1"})
	require.NoError(t, err)
	assert.Equal(t, &Result{Mode: ModeStay, WorkingDir: repo.RootDir, Branch: "main"}, res)

	// Target equal to the current branch is a no-op.
	res, err = m.Setup(ctx, repo.RootDir, Request{RunID: "RUN-1", Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, ModeStay, res.Mode)

	require.NoError(t, m.Finalize(ctx, repo.RootDir, res, FinalizeOptions{RunID: "RUN-1"}))
	assert.Equal(t, "main", repo.CurrentBranch())
}

func TestSetupBranch(t *testing.T) {
	t.Parallel()
	repo := testutil.SetupTestRepo(t)
	m := newManager()
	ctx := context.Background()

	res, err := m.Setup(ctx, repo.RootDir, Request{RunID: "RUN-1", Branch: "feat/x", BaseBranch: "main"})
	require.NoError(t, err)
	assert.Equal(t, ModeBranch, res.Mode)
	assert.Equal(t, repo.RootDir, res.WorkingDir)
	assert.Equal(t, "feat/x", res.Branch)
	assert.Equal(t, "main", res.OriginalBranch)
	assert.Empty(t, res.SnapshotCommit, "clean checkout needs no snapshot")

	testutil.AssertBranchExists(t, repo.RootDir, "feat/x")
	assert.Equal(t, "feat/x", repo.CurrentBranch())
	assert.Equal(t, repo.Git("rev-parse", "main"), repo.Git("rev-parse", "feat/x"))

	repo.WriteFile("out.txt", "result\n")
	require.NoError(t, m.Finalize(ctx, repo.RootDir, res, FinalizeOptions{RunID: "RUN-1"}))
	assert.Equal(t, "main", repo.CurrentBranch())
	testutil.AssertPathMissing(t, filepath.Join(repo.RootDir, "out.txt"))
	assert.Contains(t, repo.Git("show", "--stat", "feat/x"), "out.txt")
}

func TestSetupBranchPreserve(t *testing.T) {
	t.Parallel()
	repo := testutil.SetupTestRepo(t)
	m := newManager()
	ctx := context.Background()

	res, err := m.Setup(ctx, repo.RootDir, Request{Branch: "review/me"})
	require.NoError(t, err)
	require.NoError(t, m.Finalize(ctx, repo.RootDir, res, FinalizeOptions{PreserveBranch: true}))
	assert.Equal(t, "review/me", repo.CurrentBranch())
}

func TestSetupBranchAutoCommitsDirtyState(t *testing.T) {
	t.Parallel()
	repo := testutil.SetupTestRepo(t)
	m := newManager()
	ctx := context.Background()

	repo.WriteFile("wip.txt", "unsaved\n")
	res, err := m.Setup(ctx, repo.RootDir, Request{RunID: "RUN-9", Branch: "feat/y"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SnapshotCommit)
	assert.Contains(t, repo.Git("log", "-1", "--format=%s", "main"), "RUN-9")
	assert.Empty(t, repo.Git("status", "--porcelain"))
}

func TestSetupBranchErrors(t *testing.T) {
	t.Parallel()
	repo := testutil.SetupTestRepo(t)
	m := newManager()
	ctx := context.Background()

	repo.Git("branch", "taken")
	_, err := m.Setup(ctx, repo.RootDir, Request{Branch: "taken"})
	assert.ErrorIs(t, err, git.ErrBranchExists)
	assert.Equal(t, "main", repo.CurrentBranch())

	_, err = m.Setup(ctx, repo.RootDir, Request{Branch: "bad..name"})
	assert.ErrorIs(t, err, git.ErrInvalidBranchName)

	_, err = m.Setup(ctx, repo.RootDir, Request{WorktreeName: "w", Branch: "bad name"})
	assert.ErrorIs(t, err, git.ErrInvalidBranchName)
}

func TestSetupWorktree(t *testing.T) {
	t.Parallel()
	repo := testutil.SetupTestRepo(t)
	m := newManager()
	ctx := context.Background()

	res, err := m.Setup(ctx, repo.RootDir, Request{RunID: "RUN-1", WorktreeName: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, ModeWorktree, res.Mode)
	assert.NotEqual(t, repo.RootDir, res.WorkingDir)
	assert.Equal(t, filepath.Join(repo.RootDir, ".orc", "worktrees", "run-1"), res.WorktreePath)
	assert.Equal(t, "orc/run-1", res.Branch)
	assert.Equal(t, "main", res.BaseBranch)
	assert.DirExists(t, res.WorkingDir)
	assert.Equal(t, "main", repo.CurrentBranch())
	assert.Equal(t, "orc/run-1", testutil.RunGit(t, res.WorkingDir, "rev-parse", "--abbrev-ref", "HEAD"))

	// The worktree does not show up in the main checkout.
	assert.Empty(t, repo.Git("status", "--porcelain"))

	require.NoError(t, m.Finalize(ctx, repo.RootDir, res, FinalizeOptions{RunID: "RUN-1"}))
	testutil.AssertPathMissing(t, res.WorkingDir)
	testutil.AssertBranchExists(t, repo.RootDir, "orc/run-1")
	assert.Equal(t, "main", repo.CurrentBranch())

	// Finalizing again is a no-op.
	require.NoError(t, m.Finalize(ctx, repo.RootDir, res, FinalizeOptions{RunID: "RUN-1"}))
}

func TestSetupWorktreeSnapshotsMainCheckout(t *testing.T) {
	t.Parallel()
	repo := testutil.SetupTestRepo(t)
	m := newManager()
	ctx := context.Background()

	repo.WriteFile("draft.md", "notes\n")
	res, err := m.Setup(ctx, repo.RootDir, Request{RunID: "RUN-2", WorktreeName: "run-2"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SnapshotCommit)
	assert.FileExists(t, filepath.Join(res.WorkingDir, "draft.md"))
}

func TestWorktreeFinalizeCommitsAndPreserves(t *testing.T) {
	t.Parallel()
	repo := testutil.SetupTestRepo(t)
	m := newManager()
	ctx := context.Background()

	res, err := m.Setup(ctx, repo.RootDir, Request{WorktreeName: "keep", Branch: "feat/keep"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(res.WorkingDir, "agent.txt"), []byte("x\n"), 0644))

	require.NoError(t, m.Finalize(ctx, repo.RootDir, res, FinalizeOptions{PreserveWorktree: true}))
	assert.DirExists(t, res.WorkingDir)
	assert.Contains(t, repo.Git("show", "--stat", "feat/keep"), "agent.txt")
	assert.Equal(t, "main", repo.CurrentBranch())
}

func TestWorktreeMainBranchUnchangedOnFailure(t *testing.T) {
	t.Parallel()
	repo := testutil.SetupTestRepo(t)
	m := newManager()
	ctx := context.Background()
	before := repo.CurrentBranch()

	res, err := m.Setup(ctx, repo.RootDir, Request{WorktreeName: "fail-1", Branch: "feat/other"})
	require.NoError(t, err)
	// Simulated mid-run failure: a half-written file and then finalize.
	require.NoError(t, os.WriteFile(filepath.Join(res.WorkingDir, "partial.txt"), []byte("?"), 0644))
	require.NoError(t, m.Finalize(ctx, repo.RootDir, res, FinalizeOptions{}))

	assert.Equal(t, before, repo.CurrentBranch())
}

func TestWorktreeReuseAndResume(t *testing.T) {
	t.Parallel()
	repo := testutil.SetupTestRepo(t)
	m := newManager()
	ctx := context.Background()
	req := Request{RunID: "RUN-3", WorktreeName: "run-3"}

	first, err := m.Setup(ctx, repo.RootDir, req)
	require.NoError(t, err)

	// A second setup adopts the existing directory.
	again, err := m.Setup(ctx, repo.RootDir, req)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, first.WorktreePath, again.WorktreePath)

	// A finalize from an earlier attempt removed the worktree; Resume
	// re-creates it on the same branch.
	require.NoError(t, m.Finalize(ctx, repo.RootDir, first, FinalizeOptions{}))
	testutil.AssertPathMissing(t, first.WorktreePath)

	resumed, err := m.Resume(ctx, repo.RootDir, req, first)
	require.NoError(t, err)
	assert.DirExists(t, resumed.WorkingDir)
	assert.Equal(t, "orc/run-3", testutil.RunGit(t, resumed.WorkingDir, "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestResumeBranch(t *testing.T) {
	t.Parallel()
	repo := testutil.SetupTestRepo(t)
	m := newManager()
	ctx := context.Background()
	req := Request{RunID: "RUN-4", Branch: "feat/resume"}

	res, err := m.Setup(ctx, repo.RootDir, req)
	require.NoError(t, err)
	require.NoError(t, m.Finalize(ctx, repo.RootDir, res, FinalizeOptions{}))
	require.Equal(t, "main", repo.CurrentBranch())

	_, err = m.Resume(ctx, repo.RootDir, req, res)
	require.NoError(t, err)
	assert.Equal(t, "feat/resume", repo.CurrentBranch())
}

func TestFinalizeNil(t *testing.T) {
	t.Parallel()
	assert.NoError(t, newManager().Finalize(context.Background(), t.TempDir(), nil, FinalizeOptions{}))
}

func TestWorktreePathSanitized(t *testing.T) {
	t.Parallel()
	m := NewManager(git.New(), WithWorktreeDir("/abs/wt"))
	assert.Equal(t, "/abs/wt/run-1", m.WorktreePath("/p", "Run 1"))
	m = newManager()
	assert.Equal(t, "/p/.orc/worktrees/feat-x", m.WorktreePath("/p", "feat/x"))
}
