package git

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// CommandRunner executes shell commands.
// This interface allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command in workDir and returns the trimmed stdout.
	// On failure the returned error is a *CommandError carrying stderr.
	Run(ctx context.Context, workDir string, name string, args ...string) (stdout string, err error)
}

// ExecRunner is the default CommandRunner using exec.CommandContext.
type ExecRunner struct {
	// Env is appended to the inherited environment of every command.
	Env []string
}

// NewExecRunner creates a new ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command.
func (r *ExecRunner) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = strings.TrimSpace(stdout.String())
		}
		if errMsg == "" {
			errMsg = err.Error()
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return errMsg, &CommandError{
			Command: name,
			Args:    args,
			WorkDir: workDir,
			Output:  errMsg,
			Err:     err,
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// CommandError represents a command execution error.
type CommandError struct {
	Command string
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
