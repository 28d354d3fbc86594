// Package command runs external processes for CLI steps.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/randalmurphal/orcflow/pkg/flow"
)

// waitDelay bounds how long Wait blocks on output pipes after the process
// was killed.
const waitDelay = 2 * time.Second

// Request describes a process to run.
type Request struct {
	Command string
	Args    []string
	// Dir is the working directory. Relative paths are resolved against
	// BaseDir.
	Dir     string
	BaseDir string
	Env     map[string]string
	Stdin   string
}

// RequestFromConfig builds a Request for a CLI step running in workDir.
func RequestFromConfig(cfg flow.CLIConfig, workDir string) Request {
	return Request{
		Command: cfg.Command,
		Args:    cfg.Args,
		Dir:     cfg.Dir,
		BaseDir: workDir,
		Env:     cfg.Env,
		Stdin:   cfg.Stdin,
	}
}

// Runner executes processes.
// This interface allows mocking process execution in tests.
type Runner interface {
	Run(ctx context.Context, req Request) (*flow.CLIResult, error)
}

// ExitError is returned when the process exited non-zero. The result is
// still returned alongside it.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 500 {
		msg = msg[len(msg)-500:]
	}
	if msg == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, msg)
}

// ExecRunner is the default Runner using exec.CommandContext.
type ExecRunner struct{}

// NewExecRunner creates a new ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts the process and waits for it. When ctx ends the whole process
// group is killed and ctx's error is returned.
func (r *ExecRunner) Run(ctx context.Context, req Request) (*flow.CLIResult, error) {
	if req.Command == "" {
		return nil, flow.Permanent(errors.New("command is required"))
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = resolveDir(req.BaseDir, req.Dir)
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), envList(req.Env)...)
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	setProcAttr(cmd)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &flow.CLIResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Command: req.Command, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		// Not found, permission denied: retrying will not help.
		return res, flow.Permanent(fmt.Errorf("start %s: %w", req.Command, err))
	}
	return res, nil
}

func resolveDir(base, dir string) string {
	switch {
	case dir == "":
		return base
	case filepath.IsAbs(dir):
		return dir
	default:
		return filepath.Join(base, dir)
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
