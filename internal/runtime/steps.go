package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/orcflow/internal/command"
	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/events"
	"github.com/randalmurphal/orcflow/internal/git"
	"github.com/randalmurphal/orcflow/internal/util"
	"github.com/randalmurphal/orcflow/pkg/flow"
)

// Git implements flow.Toolkit.
func (t *toolkit) Git(ctx context.Context, stepID string, cfg flow.GitConfig) (*flow.GitResult, error) {
	raw, _, err := t.step(ctx, stepID, db.StepTypeGit, cfg, t.e.cfg.StepTimeout, func(ctx context.Context) (any, error) {
		return t.git(ctx, stepID, cfg)
	})
	if err != nil {
		return nil, err
	}
	var res flow.GitResult
	return &res, flow.DecodeInto(raw, &res)
}

func (t *toolkit) git(ctx context.Context, stepID string, cfg flow.GitConfig) (*flow.GitResult, error) {
	ops, dir := t.e.git, t.workDir
	switch cfg.Op {
	case flow.GitCommit:
		msg := cfg.Message
		if msg == "" {
			msg = fmt.Sprintf("[orc] %s: %s", t.run.ID, stepID)
		}
		sha, err := ops.Commit(ctx, dir, msg)
		if errors.Is(err, git.ErrNothingToCommit) {
			return &flow.GitResult{Clean: true, NothingToCommit: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return &flow.GitResult{SHA: sha, Clean: true}, nil

	case flow.GitStatus:
		st, err := ops.Status(ctx, dir)
		if err != nil {
			return nil, err
		}
		res := &flow.GitResult{Clean: st.Clean()}
		for _, e := range st.Entries {
			res.Files = append(res.Files, e.Path)
		}
		return res, nil

	case flow.GitCurrentBranch:
		branch, err := ops.CurrentBranch(ctx, dir)
		if err != nil {
			return nil, err
		}
		return &flow.GitResult{Branch: branch}, nil

	case flow.GitSwitch:
		if err := ops.SwitchBranch(ctx, dir, cfg.Branch); err != nil {
			return nil, err
		}
		return &flow.GitResult{Branch: cfg.Branch}, nil

	case flow.GitCreateBranch:
		if err := git.ValidateBranchName(cfg.Branch); err != nil {
			return nil, flow.Permanent(err)
		}
		if err := ops.CreateAndSwitchBranch(ctx, dir, cfg.Branch, cfg.Base); err != nil {
			if errors.Is(err, git.ErrBranchExists) {
				return nil, flow.Permanent(err)
			}
			return nil, err
		}
		return &flow.GitResult{Branch: cfg.Branch}, nil

	default:
		return nil, flow.Permanent(fmt.Errorf("unknown git op %q", cfg.Op))
	}
}

// CLI implements flow.Toolkit.
func (t *toolkit) CLI(ctx context.Context, stepID string, cfg flow.CLIConfig) (*flow.CLIResult, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = t.e.cfg.CLITimeout
	}
	key := StepKey(phaseFrom(ctx), stepID)
	raw, _, err := t.step(ctx, stepID, db.StepTypeCLI, cfg, timeout, func(ctx context.Context) (any, error) {
		res, err := t.e.commands.Run(ctx, command.RequestFromConfig(cfg, t.workDir))
		if res != nil {
			t.e.recorder.Emit(ctx, events.CommandExecuted(t.run.ID, phaseFrom(ctx), events.CommandData{
				Step:       key,
				Command:    cfg.Command,
				Args:       cfg.Args,
				ExitCode:   res.ExitCode,
				DurationMs: res.DurationMs,
			}))
		}
		var exitErr *command.ExitError
		if errors.As(err, &exitErr) && cfg.AllowFailure {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	var res flow.CLIResult
	return &res, flow.DecodeInto(raw, &res)
}

// AI implements flow.Toolkit.
func (t *toolkit) AI(ctx context.Context, stepID string, cfg flow.AIConfig) (*flow.AIResult, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = t.e.cfg.AITimeout
	}
	raw, _, err := t.step(ctx, stepID, db.StepTypeAI, cfg, timeout, func(ctx context.Context) (any, error) {
		return t.e.agent.Complete(ctx, t.workDir, cfg)
	})
	if err != nil {
		return nil, err
	}
	var res flow.AIResult
	return &res, flow.DecodeInto(raw, &res)
}

// Agent implements flow.Toolkit.
func (t *toolkit) Agent(ctx context.Context, stepID string, cfg flow.AgentConfig) (*flow.AgentResult, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = t.e.cfg.AgentTimeout
	}
	raw, _, err := t.step(ctx, stepID, db.StepTypeAgent, cfg, timeout, func(ctx context.Context) (any, error) {
		return t.e.agent.RunAgent(ctx, t.workDir, cfg)
	})
	if err != nil {
		return nil, err
	}
	var res flow.AgentResult
	return &res, flow.DecodeInto(raw, &res)
}

// Artifact implements flow.Toolkit. Artifacts live under the project's
// artifact dir, one directory per run, outside any worktree. The artifact
// dir is git-ignored so artifacts never dirty the checkout.
func (t *toolkit) Artifact(ctx context.Context, stepID string, cfg flow.ArtifactConfig) (*flow.ArtifactResult, error) {
	// Content can be large; the step row records the name only.
	input := map[string]any{"name": cfg.Name, "size": len(cfg.Content)}
	raw, _, err := t.step(ctx, stepID, db.StepTypeArtifact, input, t.e.cfg.StepTimeout, func(ctx context.Context) (any, error) {
		path, err := t.artifactPath(cfg.Name)
		if err != nil {
			return nil, err
		}
		wf, err := util.AtomicWriteFile(path, strings.NewReader(cfg.Content), 0644)
		if err != nil {
			return nil, err
		}
		return &flow.ArtifactResult{Path: wf.Path, SHA256: wf.SHA256, Size: wf.Size}, nil
	})
	if err != nil {
		return nil, err
	}
	var res flow.ArtifactResult
	return &res, flow.DecodeInto(raw, &res)
}

func (t *toolkit) artifactPath(name string) (string, error) {
	if name == "" || !filepath.IsLocal(name) {
		return "", flow.Permanent(fmt.Errorf("artifact name %q must be a relative path inside the artifact dir", name))
	}
	dir := t.e.cfg.ArtifactDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(t.projectPath, dir)
	}
	if err := util.EnsureIgnoredDir(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, t.run.ID, name), nil
}

// Annotation implements flow.Toolkit.
func (t *toolkit) Annotation(ctx context.Context, stepID string, cfg flow.AnnotationConfig) error {
	level := cfg.Level
	switch level {
	case "":
		level = "info"
	case "info", "warning", "error":
	default:
		return flow.Permanent(fmt.Errorf("annotation level %q must be info, warning or error", cfg.Level))
	}
	key := StepKey(phaseFrom(ctx), stepID)
	_, _, err := t.step(ctx, stepID, db.StepTypeAnnotation, cfg, 0, func(ctx context.Context) (any, error) {
		title := cfg.Title
		if title == "" {
			title = stepID
		}
		_, err := t.e.recorder.Record(ctx, events.AnnotationAdded(t.run.ID, phaseFrom(ctx), title, cfg.Body,
			events.AnnotationData{Step: key, Level: level, Data: cfg.Data}))
		return nil, err
	})
	return err
}
