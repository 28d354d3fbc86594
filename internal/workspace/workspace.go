// Package workspace isolates a run's git state. Setup picks one of three
// strategies and Finalize reverses it:
//
//   - worktree: a separate checkout under .orc/worktrees; the main
//     checkout is never touched after the initial auto-commit
//   - branch: create and switch to a branch in the main checkout
//   - stay: run on the current branch with no isolation
//
// The first matching rule wins and a worktree request overrides a branch
// request.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/randalmurphal/orcflow/internal/git"
	"github.com/randalmurphal/orcflow/internal/util"
)

// Mode is the isolation strategy applied to a run.
type Mode string

const (
	ModeStay     Mode = "stay"
	ModeBranch   Mode = "branch"
	ModeWorktree Mode = "worktree"
)

// Defaults for Manager options.
const (
	DefaultWorktreeDir  = ".orc/worktrees"
	DefaultCommitPrefix = "[orc]"
	DefaultBaseBranch   = "main"
)

// Request describes the isolation a run asked for.
type Request struct {
	RunID string
	// WorktreeName requests worktree mode. The worktree directory is the
	// sanitized name under the worktree dir.
	WorktreeName string
	// Branch is the target branch in branch mode, or overrides the
	// worktree branch (default "<prefix><worktree name>") in worktree mode.
	Branch string
	// BaseBranch is where a new branch starts. Defaults to the current
	// branch, then main.
	BaseBranch string
}

// Result is what Setup did. It is stored with the run and handed back to
// Resume and Finalize.
type Result struct {
	Mode           Mode   `json:"mode"`
	WorkingDir     string `json:"working_dir"`
	Branch         string `json:"branch"`
	OriginalBranch string `json:"original_branch,omitempty"`
	BaseBranch     string `json:"base_branch,omitempty"`
	WorktreePath   string `json:"worktree_path,omitempty"`
	// Reused is set when an existing worktree directory was adopted.
	Reused bool `json:"reused,omitempty"`
	// SnapshotCommit is the auto-commit made before isolating, if any.
	SnapshotCommit string `json:"snapshot_commit,omitempty"`
}

// FinalizeOptions control teardown.
type FinalizeOptions struct {
	RunID string
	// PreserveBranch leaves the main checkout on the run branch (branch mode).
	PreserveBranch bool
	// PreserveWorktree keeps the worktree directory (worktree mode).
	PreserveWorktree bool
}

// Manager applies and reverses workspace isolation.
type Manager struct {
	git          git.Ops
	worktreeDir  string
	branchPrefix string
	commitPrefix string
	logger       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorktreeDir sets the worktree directory, relative to the project root
// unless absolute.
func WithWorktreeDir(dir string) Option {
	return func(m *Manager) {
		if dir != "" {
			m.worktreeDir = dir
		}
	}
}

// WithBranchPrefix sets the prefix of generated worktree branches.
func WithBranchPrefix(prefix string) Option {
	return func(m *Manager) {
		if prefix != "" {
			m.branchPrefix = prefix
		}
	}
}

// WithCommitPrefix sets the prefix of auto-commit messages.
func WithCommitPrefix(prefix string) Option {
	return func(m *Manager) {
		if prefix != "" {
			m.commitPrefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a Manager over the given git primitives.
func NewManager(ops git.Ops, opts ...Option) *Manager {
	m := &Manager{
		git:          ops,
		worktreeDir:  DefaultWorktreeDir,
		branchPrefix: git.DefaultBranchPrefix,
		commitPrefix: DefaultCommitPrefix,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WorktreePath returns where the worktree for name lives in a project.
func (m *Manager) WorktreePath(projectPath, name string) string {
	dir := m.worktreeDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(projectPath, dir)
	}
	return filepath.Join(dir, git.SanitizeBranchName(name))
}

// Setup applies the isolation requested for a run.
func (m *Manager) Setup(ctx context.Context, projectPath string, req Request) (*Result, error) {
	if req.WorktreeName != "" {
		return m.setupWorktree(ctx, projectPath, req)
	}

	current, err := m.git.CurrentBranch(ctx, projectPath)
	if err != nil {
		return nil, fmt.Errorf("detect current branch: %w", err)
	}

	if req.Branch == "" || req.Branch == current {
		return &Result{Mode: ModeStay, WorkingDir: projectPath, Branch: current}, nil
	}

	if err := git.ValidateBranchName(req.Branch); err != nil {
		return nil, err
	}
	snapshot, err := m.autoCommit(ctx, projectPath, fmt.Sprintf("save work before switching to %s", req.Branch), req.RunID)
	if err != nil {
		return nil, err
	}
	if err := m.git.CreateAndSwitchBranch(ctx, projectPath, req.Branch, req.BaseBranch); err != nil {
		return nil, err
	}
	m.logger.Info("switched to run branch",
		"run_id", req.RunID,
		"branch", req.Branch,
		"from", current,
		"base", req.BaseBranch)

	return &Result{
		Mode:           ModeBranch,
		WorkingDir:     projectPath,
		Branch:         req.Branch,
		OriginalBranch: current,
		BaseBranch:     req.BaseBranch,
		SnapshotCommit: snapshot,
	}, nil
}

func (m *Manager) setupWorktree(ctx context.Context, projectPath string, req Request) (*Result, error) {
	path := m.WorktreePath(projectPath, req.WorktreeName)
	branch := req.Branch
	if branch == "" {
		branch = git.WorktreeBranchName(m.branchPrefix, req.WorktreeName)
	}
	if err := git.ValidateBranchName(branch); err != nil {
		return nil, err
	}

	current, err := m.git.CurrentBranch(ctx, projectPath)
	if err != nil || current == "HEAD" {
		m.logger.Debug("no current branch detected, defaulting base", "run_id", req.RunID, "error", err)
		current = ""
	}
	base := req.BaseBranch
	if base == "" {
		base = current
	}
	if base == "" {
		base = DefaultBaseBranch
	}

	if err := m.ensureWorktreeDirIgnored(filepath.Dir(path)); err != nil {
		return nil, err
	}
	snapshot, err := m.autoCommit(ctx, projectPath, "save work before creating worktree "+filepath.Base(path), req.RunID)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Mode:           ModeWorktree,
		WorkingDir:     path,
		Branch:         branch,
		OriginalBranch: current,
		BaseBranch:     base,
		WorktreePath:   path,
		SnapshotCommit: snapshot,
	}

	if info, statErr := os.Stat(path); statErr == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("worktree path exists but is not a directory: %s", path)
		}
		if err := m.ensureBranch(ctx, path, branch); err != nil {
			return nil, fmt.Errorf("reuse worktree %s: %w", path, err)
		}
		res.Reused = true
		m.logger.Info("reusing existing worktree", "run_id", req.RunID, "path", path, "branch", branch)
		return res, nil
	}

	if err := m.git.CreateWorktree(ctx, projectPath, path, branch, base); err != nil {
		return nil, err
	}
	if err := m.verifyBranch(ctx, path, branch); err != nil {
		return nil, err
	}
	m.logger.Info("created worktree", "run_id", req.RunID, "path", path, "branch", branch, "base", base)
	return res, nil
}

// Resume re-establishes a workspace recorded by an earlier Setup of the
// same run, for replays where setup itself is not executed again. A
// worktree removed by an earlier finalize is re-created on its branch; in
// branch mode the main checkout is switched back to the run branch.
func (m *Manager) Resume(ctx context.Context, projectPath string, req Request, prev *Result) (*Result, error) {
	if prev == nil {
		return m.Setup(ctx, projectPath, req)
	}
	res := *prev

	switch prev.Mode {
	case ModeWorktree:
		if _, err := os.Stat(prev.WorktreePath); err == nil {
			if err := m.ensureBranch(ctx, prev.WorktreePath, prev.Branch); err != nil {
				return nil, fmt.Errorf("resume worktree %s: %w", prev.WorktreePath, err)
			}
			return &res, nil
		}
		if err := m.ensureWorktreeDirIgnored(filepath.Dir(prev.WorktreePath)); err != nil {
			return nil, err
		}
		if err := m.git.CreateWorktree(ctx, projectPath, prev.WorktreePath, prev.Branch, prev.BaseBranch); err != nil {
			return nil, err
		}
		if err := m.verifyBranch(ctx, prev.WorktreePath, prev.Branch); err != nil {
			return nil, err
		}
		m.logger.Info("re-created worktree for replay", "run_id", req.RunID, "path", prev.WorktreePath)

	case ModeBranch:
		current, err := m.git.CurrentBranch(ctx, projectPath)
		if err != nil {
			return nil, fmt.Errorf("detect current branch: %w", err)
		}
		if current != prev.Branch {
			if _, err := m.autoCommit(ctx, projectPath, "save work before resuming "+prev.Branch, req.RunID); err != nil {
				return nil, err
			}
			if err := m.git.SwitchBranch(ctx, projectPath, prev.Branch); err != nil {
				return nil, err
			}
			m.logger.Info("switched back to run branch for replay", "run_id", req.RunID, "branch", prev.Branch)
		}
	}
	return &res, nil
}

// Finalize commits leftover changes and reverses the isolation. A working
// directory that no longer exists is skipped. All errors are returned
// joined; callers treat them as non-fatal.
func (m *Manager) Finalize(ctx context.Context, projectPath string, res *Result, opts FinalizeOptions) error {
	if res == nil {
		return nil
	}
	if _, err := os.Stat(res.WorkingDir); errors.Is(err, fs.ErrNotExist) {
		m.logger.Debug("working dir already gone, skipping finalize", "run_id", opts.RunID, "dir", res.WorkingDir)
		return nil
	}

	var errs []error
	if _, err := m.autoCommit(ctx, res.WorkingDir, "save run output", opts.RunID); err != nil {
		errs = append(errs, err)
	}

	switch res.Mode {
	case ModeBranch:
		if opts.PreserveBranch || res.OriginalBranch == "" || res.OriginalBranch == res.Branch {
			break
		}
		if err := m.git.SwitchBranch(ctx, projectPath, res.OriginalBranch); err != nil {
			errs = append(errs, fmt.Errorf("restore branch %s: %w", res.OriginalBranch, err))
		} else {
			m.logger.Info("restored original branch", "run_id", opts.RunID, "branch", res.OriginalBranch)
		}

	case ModeWorktree:
		if opts.PreserveWorktree {
			m.logger.Info("worktree preserved for review", "run_id", opts.RunID, "path", res.WorktreePath)
			break
		}
		err := m.git.RemoveWorktree(ctx, projectPath, res.WorktreePath)
		if err != nil && !errors.Is(err, git.ErrWorktreeNotFound) {
			errs = append(errs, fmt.Errorf("remove worktree %s: %w", res.WorktreePath, err))
		} else {
			m.logger.Info("removed worktree", "run_id", opts.RunID, "path", res.WorktreePath, "branch", res.Branch)
		}
	}
	return errors.Join(errs...)
}

// autoCommit commits any dirty state in dir. It returns the new sha, or ""
// when there was nothing to commit.
func (m *Manager) autoCommit(ctx context.Context, dir, what, runID string) (string, error) {
	msg := m.commitPrefix + " " + what
	if runID != "" {
		msg = m.commitPrefix + " " + runID + ": " + what
	}
	sha, err := m.git.Commit(ctx, dir, msg)
	if errors.Is(err, git.ErrNothingToCommit) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("auto-commit in %s: %w", dir, err)
	}
	m.logger.Debug("auto-committed", "run_id", runID, "dir", dir, "sha", sha)
	return sha, nil
}

func (m *Manager) ensureBranch(ctx context.Context, dir, branch string) error {
	current, err := m.git.CurrentBranch(ctx, dir)
	if err != nil {
		return err
	}
	if current == branch {
		return nil
	}
	m.logger.Warn("worktree on unexpected branch, switching", "dir", dir, "expected", branch, "actual", current)
	if _, err := m.autoCommit(ctx, dir, "save work before switching to "+branch, ""); err != nil {
		return err
	}
	return m.git.SwitchBranch(ctx, dir, branch)
}

func (m *Manager) verifyBranch(ctx context.Context, dir, branch string) error {
	current, err := m.git.CurrentBranch(ctx, dir)
	if err != nil {
		return fmt.Errorf("verify worktree branch: %w", err)
	}
	if current != branch {
		return fmt.Errorf("worktree %s created on %s, expected %s", dir, current, branch)
	}
	return nil
}

// ensureWorktreeDirIgnored keeps worktrees out of the main checkout's
// status, so auto-commits never pick them up as embedded repositories.
func (m *Manager) ensureWorktreeDirIgnored(dir string) error {
	if err := util.EnsureIgnoredDir(dir); err != nil {
		return fmt.Errorf("ignore worktree dir: %w", err)
	}
	return nil
}
