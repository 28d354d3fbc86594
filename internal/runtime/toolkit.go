package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/orcflow/internal/db"
	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
	"github.com/randalmurphal/orcflow/internal/events"
	"github.com/randalmurphal/orcflow/internal/git"
	"github.com/randalmurphal/orcflow/internal/workspace"
	"github.com/randalmurphal/orcflow/pkg/flow"
)

// workspaceStep is the step id of workspace setup inside the setup phase.
const workspaceStep = "workspace"

type phaseKey struct{}

func withPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey{}, phase)
}

// phaseFrom returns the phase the context is executing in, or "".
func phaseFrom(ctx context.Context) string {
	p, _ := ctx.Value(phaseKey{}).(string)
	return p
}

// StepKey returns the memoization key of a step: the step id, prefixed with
// the phase id inside a phase.
func StepKey(phase, stepID string) string {
	if phase == "" {
		return stepID
	}
	return phase + "-" + stepID
}

// toolkit implements flow.Toolkit for one execution of a run.
type toolkit struct {
	e           *Engine
	run         *db.WorkflowRun
	spec        flow.Spec
	projectPath string
	workDir     string
	args        flow.Input
	ws          *workspace.Result
	logger      *slog.Logger
}

var _ flow.Toolkit = (*toolkit)(nil)

func (t *toolkit) RunID() string      { return t.run.ID }
func (t *toolkit) WorkingDir() string { return t.workDir }
func (t *toolkit) Args() flow.Input   { return t.args }

// Phase implements flow.Toolkit.
func (t *toolkit) Phase(ctx context.Context, phaseID string, fn func(ctx context.Context) error) error {
	if phaseID == "" {
		return errors.New("phase id is required")
	}
	if !t.e.cfg.Production && !flow.IsReservedPhase(phaseID) && !t.spec.HasPhase(phaseID) {
		return orcerrors.ErrPhaseUnknown(phaseID, t.spec.PhaseIDs())
	}

	if err := t.e.store.SetRunCurrentPhase(ctx, t.run.ID, phaseID); err != nil {
		t.logger.Warn("set current phase failed", "phase", phaseID, "error", err)
	}
	t.e.recorder.Emit(ctx, events.PhaseStarted(t.run.ID, phaseID))
	t.logger.Debug("phase started", "phase", phaseID)

	if err := fn(withPhase(ctx, phaseID)); err != nil {
		t.e.recorder.Emit(ctx, events.PhaseFailed(t.run.ID, phaseID, err))
		t.logger.Info("phase failed", "phase", phaseID, "error", err)
		return err
	}
	t.e.recorder.Emit(ctx, events.PhaseCompleted(t.run.ID, phaseID))
	t.logger.Debug("phase completed", "phase", phaseID)
	return nil
}

// Run implements flow.Toolkit.
func (t *toolkit) Run(ctx context.Context, stepID string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	out, _, err := t.step(ctx, stepID, db.StepTypeRun, nil, t.e.cfg.StepTimeout, fn)
	return out, err
}

// step records and executes one memoized step. The step row is found or
// created by (run, step id, phase) so replays attach to the same row.
func (t *toolkit) step(
	ctx context.Context,
	stepID string,
	typ db.StepType,
	input any,
	timeout time.Duration,
	fn func(ctx context.Context) (any, error),
) (json.RawMessage, bool, error) {
	if strings.TrimSpace(stepID) == "" {
		return nil, false, flow.Permanent(errors.New("step id is required"))
	}
	phase := phaseFrom(ctx)
	key := StepKey(phase, stepID)

	row, err := t.e.store.FindOrCreateStep(ctx, t.run.ID, stepID, phase, typ, marshalInput(input))
	if err != nil {
		return nil, false, err
	}
	if row.Status != db.StepCompleted {
		if err := t.e.store.MarkStepRunning(ctx, row.ID); err != nil {
			return nil, false, err
		}
	}

	out, replayed, err := t.e.substrate.Step(ctx, t.run.ID, key, func(ctx context.Context) (json.RawMessage, error) {
		v, err := withTimeout(ctx, key, timeout, fn)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, flow.Permanent(fmt.Errorf("encode result of step %s: %w", key, err))
		}
		return raw, nil
	})
	if err != nil {
		if merr := t.e.store.MarkStepFailed(ctx, row.ID, err.Error()); merr != nil {
			t.logger.Warn("mark step failed failed", "step", key, "error", merr)
		}
		t.e.recorder.Emit(ctx, events.StepFailed(t.run.ID, phase, row.ID, key, string(typ), err))
		t.logger.Info("step failed", "step", key, "type", typ, "error", err)
		return nil, false, err
	}

	if row.Status != db.StepCompleted {
		if err := t.e.store.MarkStepCompleted(ctx, row.ID, string(out)); err != nil {
			t.logger.Warn("mark step completed failed", "step", key, "error", err)
		}
	}
	if replayed {
		t.logger.Debug("step replayed", "step", key)
	}
	return out, replayed, nil
}

// setup runs the reserved setup phase: the workspace is set up once per run
// and re-established on replays.
func (t *toolkit) setup(ctx context.Context) error {
	req := t.workspaceRequest()
	return t.Phase(ctx, flow.PhaseSetup, func(ctx context.Context) error {
		raw, replayed, err := t.step(ctx, workspaceStep, db.StepTypeWorkspace, req, t.e.cfg.SetupTimeout,
			func(ctx context.Context) (any, error) {
				res, err := t.e.workspace.Setup(ctx, t.projectPath, req)
				if err != nil {
					return nil, translateSetupError(err, requestedBranch(req))
				}
				return res, nil
			})
		if err != nil {
			return err
		}

		var res *workspace.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decode workspace result: %w", err)
		}
		if replayed {
			res, err = t.e.workspace.Resume(ctx, t.projectPath, req, res)
			if err != nil {
				return translateSetupError(err, requestedBranch(req))
			}
		}
		if res == nil {
			return errors.New("workspace setup returned no result")
		}

		t.ws = res
		t.workDir = res.WorkingDir
		if err := t.e.store.SetRunWorkspace(ctx, t.run.ID, marshalInput(res)); err != nil {
			t.logger.Warn("record workspace failed", "error", err)
		}
		t.logger.Info("workspace ready", "mode", res.Mode, "dir", res.WorkingDir, "branch", res.Branch)
		return nil
	})
}

// finalize runs the reserved finalize phase. Failures are logged only.
func (t *toolkit) finalize(ctx context.Context) {
	opts := workspace.FinalizeOptions{
		RunID:            t.run.ID,
		PreserveBranch:   t.run.Preserve || t.e.cfg.PreserveBranch,
		PreserveWorktree: t.run.Preserve || t.e.cfg.PreserveWorktree,
	}
	err := t.Phase(ctx, flow.PhaseFinalize, func(ctx context.Context) error {
		if err := t.e.workspace.Finalize(ctx, t.projectPath, t.ws, opts); err != nil {
			t.logger.Warn("workspace finalize failed", "error", err)
		}
		return nil
	})
	if err != nil {
		t.logger.Warn("finalize phase failed", "error", err)
	}
}

// workspaceRequest derives the isolation request from the run. An explicit
// mode restricts which fields apply; without one the priority policy of the
// workspace manager decides.
func (t *toolkit) workspaceRequest() workspace.Request {
	req := workspace.Request{
		RunID:        t.run.ID,
		WorktreeName: t.run.WorktreeName,
		Branch:       t.run.BranchName,
		BaseBranch:   t.run.BaseBranch,
	}
	switch workspace.Mode(t.run.Mode) {
	case workspace.ModeStay:
		req.WorktreeName, req.Branch = "", ""
	case workspace.ModeBranch:
		req.WorktreeName = ""
	case workspace.ModeWorktree:
		if req.WorktreeName == "" {
			req.WorktreeName = strings.ToLower(t.run.ID)
		}
	}
	return req
}

func requestedBranch(req workspace.Request) string {
	if req.Branch != "" {
		return req.Branch
	}
	if req.WorktreeName != "" {
		return git.WorktreeBranchName(git.DefaultBranchPrefix, req.WorktreeName)
	}
	return ""
}

func marshalInput(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
