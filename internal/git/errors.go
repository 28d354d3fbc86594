package git

import "errors"

var (
	// ErrNotGitRepo indicates the path is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrBranchExists indicates the branch already exists.
	ErrBranchExists = errors.New("branch already exists")

	// ErrBranchNotFound indicates the branch does not exist.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrNothingToCommit indicates there were no changes to commit.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrWorktreeNotFound indicates the worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrInvalidBranchName indicates a branch name failed validation.
	ErrInvalidBranchName = errors.New("invalid branch name")
)

// GitError wraps a git command error with the operation that failed.
type GitError struct {
	Op     string // Operation that failed (e.g., "commit", "worktree add")
	Dir    string // Directory the command ran in
	Output string // stderr (or stdout) of the failed command
	Err    error  // Underlying error
}

func (e *GitError) Error() string {
	if e.Output != "" {
		return e.Op + ": " + e.Output
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *GitError) Unwrap() error {
	return e.Err
}
