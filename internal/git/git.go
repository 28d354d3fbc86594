package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Ops is the set of git primitives used by the workspace manager. Every
// method takes the directory to operate in so one instance serves any
// number of checkouts.
type Ops interface {
	CurrentBranch(ctx context.Context, dir string) (string, error)
	Status(ctx context.Context, dir string) (*Status, error)
	// Commit stages everything and commits. Returns the new HEAD sha, or
	// ErrNothingToCommit when the tree is clean.
	Commit(ctx context.Context, dir, message string) (string, error)
	BranchExists(ctx context.Context, dir, branch string) (bool, error)
	CreateAndSwitchBranch(ctx context.Context, dir, branch, base string) error
	SwitchBranch(ctx context.Context, dir, branch string) error
	// CreateWorktree adds a worktree at path on branch, creating the branch
	// from base when it does not exist yet.
	CreateWorktree(ctx context.Context, repoDir, path, branch, base string) error
	RemoveWorktree(ctx context.Context, repoDir, path string) error
}

// CLI implements Ops by shelling out to the git binary.
type CLI struct {
	runner      CommandRunner
	authorName  string
	authorEmail string

	// Worktree creation prunes and retries; serialize it so two runs do not
	// prune underneath each other.
	worktreeMu sync.Mutex
}

// Option configures a CLI.
type Option func(*CLI)

// WithRunner sets a custom command runner (for testing).
func WithRunner(r CommandRunner) Option {
	return func(c *CLI) { c.runner = r }
}

// WithCommitIdentity sets the identity used for engine-made commits, for
// hosts without a configured user.name/user.email.
func WithCommitIdentity(name, email string) Option {
	return func(c *CLI) {
		c.authorName = name
		c.authorEmail = email
	}
}

// New creates a git CLI.
func New(opts ...Option) *CLI {
	c := &CLI{runner: NewExecRunner()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Ops = (*CLI)(nil)

func (c *CLI) run(ctx context.Context, dir, op string, args ...string) (string, error) {
	out, err := c.runner.Run(ctx, dir, "git", args...)
	if err != nil {
		if strings.Contains(out, "not a git repository") {
			return out, &GitError{Op: op, Dir: dir, Output: out, Err: ErrNotGitRepo}
		}
		return out, &GitError{Op: op, Dir: dir, Output: out, Err: err}
	}
	return out, nil
}

// CurrentBranch returns the checked-out branch name.
func (c *CLI) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return c.run(ctx, dir, "current branch", "rev-parse", "--abbrev-ref", "HEAD")
}

// RepoRoot returns the top-level directory of the checkout containing dir.
func (c *CLI) RepoRoot(ctx context.Context, dir string) (string, error) {
	return c.run(ctx, dir, "repo root", "rev-parse", "--show-toplevel")
}

// Status returns the porcelain status of dir.
func (c *CLI) Status(ctx context.Context, dir string) (*Status, error) {
	// Untrimmed output is required: the first column of porcelain v1 may be a space.
	out, err := c.runner.Run(ctx, dir, "git", "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, &GitError{Op: "status", Dir: dir, Output: out, Err: err}
	}
	return ParseStatus(out), nil
}

// Commit stages all changes and commits them.
func (c *CLI) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := c.run(ctx, dir, "stage", "add", "-A"); err != nil {
		return "", err
	}
	st, err := c.Status(ctx, dir)
	if err != nil {
		return "", err
	}
	if st.Clean() {
		return "", ErrNothingToCommit
	}

	args := []string{}
	if c.authorName != "" {
		args = append(args, "-c", "user.name="+c.authorName)
	}
	if c.authorEmail != "" {
		args = append(args, "-c", "user.email="+c.authorEmail)
	}
	args = append(args, "commit", "--no-verify", "-m", message)
	if out, err := c.run(ctx, dir, "commit", args...); err != nil {
		if strings.Contains(out, "nothing to commit") {
			return "", ErrNothingToCommit
		}
		return "", err
	}
	return c.run(ctx, dir, "rev-parse", "rev-parse", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (c *CLI) BranchExists(ctx context.Context, dir, branch string) (bool, error) {
	_, err := c.runner.Run(ctx, dir, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && ctx.Err() == nil {
		return false, nil
	}
	return false, &GitError{Op: "show-ref", Dir: dir, Err: err}
}

// CreateAndSwitchBranch creates branch from base (HEAD when empty) and checks
// it out.
func (c *CLI) CreateAndSwitchBranch(ctx context.Context, dir, branch, base string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	args := []string{"checkout", "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	out, err := c.run(ctx, dir, "create branch", args...)
	if err != nil {
		switch {
		case strings.Contains(out, "already exists"):
			return fmt.Errorf("create branch %s: %w", branch, ErrBranchExists)
		case strings.Contains(out, "not a valid branch name"):
			return fmt.Errorf("create branch %s: %w", branch, ErrInvalidBranchName)
		}
		return err
	}
	return nil
}

// SwitchBranch checks out an existing branch.
func (c *CLI) SwitchBranch(ctx context.Context, dir, branch string) error {
	out, err := c.run(ctx, dir, "switch branch", "checkout", branch)
	if err != nil {
		if strings.Contains(out, "did not match any file") || strings.Contains(out, "invalid reference") {
			return fmt.Errorf("switch to %s: %w", branch, ErrBranchNotFound)
		}
		return err
	}
	return nil
}

// CreateWorktree adds a worktree at path. It first tries to create branch
// from base, then to attach the existing branch, and finally prunes stale
// registrations (directory deleted without 'git worktree remove') and
// retries both.
func (c *CLI) CreateWorktree(ctx context.Context, repoDir, path, branch, base string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create worktrees dir: %w", err)
	}

	c.worktreeMu.Lock()
	defer c.worktreeMu.Unlock()

	attempt := func() error {
		newBranch := []string{"worktree", "add", "-b", branch, path}
		if base != "" {
			newBranch = append(newBranch, base)
		}
		if _, err := c.run(ctx, repoDir, "worktree add", newBranch...); err == nil {
			return nil
		}
		_, err := c.run(ctx, repoDir, "worktree add", "worktree", "add", path, branch)
		return err
	}

	if err := attempt(); err == nil {
		return nil
	}
	_, _ = c.run(ctx, repoDir, "worktree prune", "worktree", "prune")
	if err := attempt(); err != nil {
		return fmt.Errorf("create worktree %s: %w", path, err)
	}
	return nil
}

// RemoveWorktree force-removes the worktree at path and prunes git's
// bookkeeping. The branch is kept.
func (c *CLI) RemoveWorktree(ctx context.Context, repoDir, path string) error {
	out, err := c.run(ctx, repoDir, "worktree remove", "worktree", "remove", "--force", path)
	if err != nil {
		if strings.Contains(out, "is not a working tree") {
			_, _ = c.run(ctx, repoDir, "worktree prune", "worktree", "prune")
			return fmt.Errorf("remove worktree %s: %w", path, ErrWorktreeNotFound)
		}
		return err
	}
	if _, err := c.run(ctx, repoDir, "worktree prune", "worktree", "prune"); err != nil {
		return err
	}
	return nil
}
