package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orcflow/internal/command"
	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/durable"
	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
	"github.com/randalmurphal/orcflow/internal/events"
	"github.com/randalmurphal/orcflow/internal/git"
	"github.com/randalmurphal/orcflow/internal/testutil"
	"github.com/randalmurphal/orcflow/internal/workflow"
	"github.com/randalmurphal/orcflow/internal/workspace"
	"github.com/randalmurphal/orcflow/pkg/flow"
)

// countingWorkspace counts Finalize calls on top of the real manager.
type countingWorkspace struct {
	*workspace.Manager
	finalized atomic.Int32
}

func (c *countingWorkspace) Finalize(ctx context.Context, projectPath string, res *workspace.Result, opts workspace.FinalizeOptions) error {
	c.finalized.Add(1)
	return c.Manager.Finalize(ctx, projectPath, res, opts)
}

type fakeAgent struct {
	text string
}

func (f *fakeAgent) Complete(_ context.Context, _ string, cfg flow.AIConfig) (*flow.AIResult, error) {
	return &flow.AIResult{Text: f.text, Model: cfg.Model}, nil
}

func (f *fakeAgent) RunAgent(_ context.Context, workDir string, _ flow.AgentConfig) (*flow.AgentResult, error) {
	return &flow.AgentResult{Result: f.text + " in " + filepath.Base(workDir), Turns: 1}, nil
}

type fakeCommands struct {
	res *flow.CLIResult
	err error
}

func (f *fakeCommands) Run(context.Context, command.Request) (*flow.CLIResult, error) {
	return f.res, f.err
}

type harness struct {
	engine  *Engine
	store   *db.EngineDB
	repo    *testutil.TestRepo
	project *db.Project
	ws      *countingWorkspace
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store := db.NewTestEngineDB(t)
	repo := testutil.SetupTestRepo(t)
	ctx := context.Background()

	project := &db.Project{Name: "test", Path: repo.RootDir}
	require.NoError(t, store.SaveProject(ctx, project))

	ops := git.New()
	ws := &countingWorkspace{Manager: workspace.NewManager(ops)}
	sub := durable.New(store, durable.WithRetries(0), durable.WithBackoff(time.Millisecond))

	base := []Option{
		WithGit(ops),
		WithWorkspace(ws),
		WithAgent(&fakeAgent{text: "ok"}),
	}
	return &harness{
		engine:  New(store, sub, append(base, opts...)...),
		store:   store,
		repo:    repo,
		project: project,
		ws:      ws,
	}
}

func (h *harness) newRun(t *testing.T, defID string, mutate ...func(*db.WorkflowRun)) *db.WorkflowRun {
	t.Helper()
	run := &db.WorkflowRun{DefinitionID: defID, ProjectID: h.project.ID}
	for _, m := range mutate {
		m(run)
	}
	require.NoError(t, h.store.SaveRun(context.Background(), run))
	return run
}

func (h *harness) eventTypes(t *testing.T, runID string) []events.EventType {
	t.Helper()
	evs, err := h.engine.recorder.List(context.Background(), runID, 0)
	require.NoError(t, err)
	types := make([]events.EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func unit(id string, phases []string, fn flow.Func) *workflow.Unit {
	spec := flow.Spec{ID: id}
	for _, p := range phases {
		spec.Phases = append(spec.Phases, flow.PhaseSpec{ID: p})
	}
	return &workflow.Unit{Spec: spec, Func: fn}
}

func TestExecuteCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	run := h.newRun(t, "build")

	u := unit("build", []string{"compile"}, func(ctx context.Context, tk flow.Toolkit, _ flow.Input) error {
		return tk.Phase(ctx, "compile", func(ctx context.Context) error {
			_, err := tk.Run(ctx, "go-build", func(context.Context) (any, error) {
				return map[string]int{"packages": 3}, nil
			})
			return err
		})
	})

	require.NoError(t, h.engine.Execute(context.Background(), u, run.ID))

	got, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, int32(1), h.ws.finalized.Load())

	steps, err := h.store.ListSteps(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, workspaceStep, steps[0].Name)
	assert.Equal(t, flow.PhaseSetup, steps[0].Phase)
	assert.Equal(t, "go-build", steps[1].Name)
	assert.Equal(t, db.StepCompleted, steps[1].Status)
	assert.JSONEq(t, `{"packages":3}`, steps[1].Output)

	// Finalize runs after the run is marked completed, so its phase events
	// follow workflow_completed.
	assert.Equal(t, []events.EventType{
		events.EventWorkflowStarted,
		events.EventPhaseStarted, events.EventPhaseCompleted, // setup
		events.EventPhaseStarted, events.EventPhaseCompleted, // compile
		events.EventWorkflowCompleted,
		events.EventPhaseStarted, events.EventPhaseCompleted, // finalize
	}, h.eventTypes(t, run.ID))

	evs, err := h.engine.recorder.List(context.Background(), run.ID, 0)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	assert.Equal(t, flow.PhaseFinalize, last.Phase)
}

func TestExecuteFailureFinalizesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	run := h.newRun(t, "broken")

	boom := errors.New("tests failed")
	u := unit("broken", nil, func(context.Context, flow.Toolkit, flow.Input) error {
		return boom
	})

	err := h.engine.Execute(context.Background(), u, run.ID)
	require.ErrorIs(t, err, boom)

	got, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunFailed, got.Status)
	assert.Equal(t, "tests failed", got.ErrorMessage)
	assert.Equal(t, int32(1), h.ws.finalized.Load())
	assert.Contains(t, h.eventTypes(t, run.ID), events.EventWorkflowFailed)
}

func TestExecutePanicMarksFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	run := h.newRun(t, "panics")

	u := unit("panics", nil, func(context.Context, flow.Toolkit, flow.Input) error {
		panic("nil map")
	})

	err := h.engine.Execute(context.Background(), u, run.ID)
	require.ErrorContains(t, err, "nil map")

	got, _ := h.store.GetRun(context.Background(), run.ID)
	assert.Equal(t, db.RunFailed, got.Status)
	assert.Equal(t, int32(1), h.ws.finalized.Load())
}

func TestTimedStepPanicMarksFailed(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.StepTimeout = time.Second
	h := newHarness(t, WithConfig(cfg))
	run := h.newRun(t, "panics")

	u := unit("panics", nil, func(ctx context.Context, tk flow.Toolkit, _ flow.Input) error {
		_, err := tk.Run(ctx, "write", func(context.Context) (any, error) {
			var m map[string]int
			m["x"] = 1
			return m, nil
		})
		return err
	})

	err := h.engine.Execute(context.Background(), u, run.ID)
	require.ErrorContains(t, err, "step write panicked")
	assert.True(t, flow.IsPermanent(err))

	got, _ := h.store.GetRun(context.Background(), run.ID)
	assert.Equal(t, db.RunFailed, got.Status)
	assert.Equal(t, int32(1), h.ws.finalized.Load())

	steps, _ := h.store.ListSteps(context.Background(), run.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, db.StepFailed, steps[1].Status)
}

func TestExecuteInterruptedStaysRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	run := h.newRun(t, "slow")

	ctx, cancel := context.WithCancel(context.Background())
	u := unit("slow", nil, func(ctx context.Context, tk flow.Toolkit, _ flow.Input) error {
		_, err := tk.Run(ctx, "wait", func(ctx context.Context) (any, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		})
		return err
	})

	err := h.engine.Execute(ctx, u, run.ID)
	require.ErrorIs(t, err, context.Canceled)

	got, _ := h.store.GetRun(context.Background(), run.ID)
	assert.Equal(t, db.RunRunning, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Zero(t, h.ws.finalized.Load())
	assert.NotContains(t, h.eventTypes(t, run.ID), events.EventWorkflowFailed)
}

func TestExecuteRunNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	err := h.engine.Execute(context.Background(), unit("x", nil, func(context.Context, flow.Toolkit, flow.Input) error {
		return nil
	}), "RUN-missing")

	var oe *orcerrors.OrcError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orcerrors.CodeRunNotFound, oe.Code)
	assert.Zero(t, h.ws.finalized.Load())
}

func TestReplayReusesCompletedSteps(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	run := h.newRun(t, "replay")

	var calls atomic.Int32
	fail := true
	u := unit("replay", []string{"work"}, func(ctx context.Context, tk flow.Toolkit, _ flow.Input) error {
		return tk.Phase(ctx, "work", func(ctx context.Context) error {
			out, err := tk.Run(ctx, "expensive", func(context.Context) (any, error) {
				return calls.Add(1), nil
			})
			if err != nil {
				return err
			}
			if string(out) != "1" {
				return errors.New("unexpected result " + string(out))
			}
			if fail {
				return errors.New("crash after step")
			}
			return nil
		})
	})

	require.Error(t, h.engine.Execute(ctx, u, run.ID))

	// Simulate an interrupted run picked up again.
	require.NoError(t, h.store.UpdateRunStatus(ctx, run.ID, db.RunRunning, ""))
	fail = false
	require.NoError(t, h.engine.Execute(ctx, u, run.ID))

	assert.Equal(t, int32(1), calls.Load())
	steps, err := h.store.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	var names []string
	for _, s := range steps {
		names = append(names, s.Phase+"/"+s.Name)
	}
	assert.Equal(t, []string{"setup/workspace", "work/expensive"}, names)

	got, _ := h.store.GetRun(ctx, run.ID)
	assert.Equal(t, db.RunCompleted, got.Status)
	assert.Equal(t, int32(2), h.ws.finalized.Load())
}

func TestSameStepIDInDifferentPhases(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	run := h.newRun(t, "pipeline")

	results := map[string]string{}
	u := unit("pipeline", []string{"ci", "deploy"}, func(ctx context.Context, tk flow.Toolkit, _ flow.Input) error {
		for _, phase := range []string{"ci", "deploy"} {
			err := tk.Phase(ctx, phase, func(ctx context.Context) error {
				out, err := tk.Run(ctx, "build", func(context.Context) (any, error) {
					return "built for " + phase, nil
				})
				if err != nil {
					return err
				}
				var s string
				if err := json.Unmarshal(out, &s); err != nil {
					return err
				}
				results[phase] = s
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, h.engine.Execute(context.Background(), u, run.ID))
	assert.Equal(t, map[string]string{"ci": "built for ci", "deploy": "built for deploy"}, results)

	n, err := h.engine.substrate.Memoized(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n) // workspace + two builds
}

func TestUnknownPhase(t *testing.T) {
	t.Parallel()
	body := func(ctx context.Context, tk flow.Toolkit, _ flow.Input) error {
		return tk.Phase(ctx, "deploy", func(context.Context) error { return nil })
	}

	t.Run("rejected when not declared", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		run := h.newRun(t, "strict")
		err := h.engine.Execute(context.Background(), unit("strict", []string{"build"}, body), run.ID)
		var oe *orcerrors.OrcError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, orcerrors.CodePhaseUnknown, oe.Code)
	})

	t.Run("allowed in production", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		cfg.Production = true
		h := newHarness(t, WithConfig(cfg))
		run := h.newRun(t, "lenient")
		require.NoError(t, h.engine.Execute(context.Background(), unit("lenient", []string{"build"}, body), run.ID))
	})
}

func TestStepTimeout(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.StepTimeout = 50 * time.Millisecond
	h := newHarness(t, WithConfig(cfg))
	run := h.newRun(t, "slow")

	u := unit("slow", nil, func(ctx context.Context, tk flow.Toolkit, _ flow.Input) error {
		_, err := tk.Run(ctx, "wait", func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		return err
	})

	err := h.engine.Execute(context.Background(), u, run.ID)
	var te *flow.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "wait", te.Step)
	assert.ErrorIs(t, err, flow.ErrStepTimeout)

	steps, _ := h.store.ListSteps(context.Background(), run.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, db.StepFailed, steps[1].Status)
	assert.Contains(t, h.eventTypes(t, run.ID), events.EventStepFailed)
}

func TestWorktreeRunLeavesMainCheckoutAlone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	run := h.newRun(t, "isolated", func(r *db.WorkflowRun) {
		r.Mode = string(workspace.ModeWorktree)
		r.WorktreeName = "fix-login"
	})

	var workDir string
	u := unit("isolated", []string{"edit"}, func(ctx context.Context, tk flow.Toolkit, _ flow.Input) error {
		workDir = tk.WorkingDir()
		return tk.Phase(ctx, "edit", func(ctx context.Context) error {
			if err := os.WriteFile(filepath.Join(tk.WorkingDir(), "login.go"), []byte("package login\n"), 0644); err != nil {
				return err
			}
			if _, err := tk.Git(ctx, "commit", flow.GitConfig{Op: flow.GitCommit, Message: "add login"}); err != nil {
				return err
			}
			return errors.New("agent gave up")
		})
	})

	require.Error(t, h.engine.Execute(context.Background(), u, run.ID))

	assert.NotEqual(t, h.repo.RootDir, workDir)
	assert.Equal(t, "main", h.repo.CurrentBranch())
	testutil.AssertPathMissing(t, filepath.Join(h.repo.RootDir, "login.go"))
	testutil.AssertPathMissing(t, workDir)
	testutil.AssertBranchExists(t, h.repo.RootDir, git.WorktreeBranchName(git.DefaultBranchPrefix, "fix-login"))
}

func TestWorktreeRunArtifactsKeepMainCheckoutClean(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	run := h.newRun(t, "report", func(r *db.WorkflowRun) {
		r.Mode = string(workspace.ModeWorktree)
		r.WorktreeName = "report"
	})

	var art *flow.ArtifactResult
	u := unit("report", nil, func(ctx context.Context, tk flow.Toolkit, _ flow.Input) error {
		var err error
		art, err = tk.Artifact(ctx, "summary", flow.ArtifactConfig{Name: "summary.md", Content: "all green"})
		return err
	})

	require.NoError(t, h.engine.Execute(context.Background(), u, run.ID))
	require.NotNil(t, art)
	assert.Equal(t, filepath.Join(h.repo.RootDir, DefaultArtifactDir, run.ID, "summary.md"), art.Path)
	assert.FileExists(t, art.Path)
	assert.Empty(t, h.repo.Git("status", "--porcelain"))
}

func TestBranchRunRestoresOriginalBranch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	run := h.newRun(t, "branchy", func(r *db.WorkflowRun) {
		r.Mode = string(workspace.ModeBranch)
		r.BranchName = "feature/run"
	})

	var during string
	u := unit("branchy", nil, func(ctx context.Context, tk flow.Toolkit, _ flow.Input) error {
		res, err := tk.Git(ctx, "where", flow.GitConfig{Op: flow.GitCurrentBranch})
		if err != nil {
			return err
		}
		during = res.Branch
		return nil
	})

	require.NoError(t, h.engine.Execute(context.Background(), u, run.ID))
	assert.Equal(t, "feature/run", during)
	assert.Equal(t, "main", h.repo.CurrentBranch())
	testutil.AssertBranchExists(t, h.repo.RootDir, "feature/run")
}

func TestBranchExistsIsActionable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.repo.Git("branch", "feature/taken")
	run := h.newRun(t, "clash", func(r *db.WorkflowRun) {
		r.Mode = string(workspace.ModeBranch)
		r.BranchName = "feature/taken"
	})

	var bodyRan bool
	u := unit("clash", nil, func(context.Context, flow.Toolkit, flow.Input) error {
		bodyRan = true
		return nil
	})

	err := h.engine.Execute(context.Background(), u, run.ID)
	var oe *orcerrors.OrcError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orcerrors.CodeGitBranchExists, oe.Code)
	assert.True(t, flow.IsPermanent(err))
	assert.False(t, bodyRan)

	got, _ := h.store.GetRun(context.Background(), run.ID)
	assert.Equal(t, db.RunFailed, got.Status)
	assert.Equal(t, "main", h.repo.CurrentBranch())
}

func TestToolkitSteps(t *testing.T) {
	t.Parallel()
	cmds := &fakeCommands{
		res: &flow.CLIResult{ExitCode: 2, Stderr: "lint errors"},
		err: &command.ExitError{Command: "lint", ExitCode: 2, Stderr: "lint errors"},
	}
	h := newHarness(t, WithCommandRunner(cmds))
	run := h.newRun(t, "tools")

	u := unit("tools", []string{"check"}, func(ctx context.Context, tk flow.Toolkit, _ flow.Input) error {
		return tk.Phase(ctx, "check", func(ctx context.Context) error {
			cli, err := tk.CLI(ctx, "lint", flow.CLIConfig{Command: "lint", AllowFailure: true})
			if err != nil {
				return err
			}
			if cli.ExitCode != 2 {
				return errors.New("exit code not recorded")
			}
			if _, err := tk.CLI(ctx, "lint-strict", flow.CLIConfig{Command: "lint"}); err == nil {
				return errors.New("strict lint should fail")
			}

			ai, err := tk.AI(ctx, "summarize", flow.AIConfig{Prompt: "summarize", Model: "haiku"})
			if err != nil || ai.Text != "ok" || ai.Model != "haiku" {
				return errors.New("ai step")
			}
			ag, err := tk.Agent(ctx, "fix", flow.AgentConfig{Prompt: "fix"})
			if err != nil || ag.Turns != 1 {
				return errors.New("agent step")
			}

			art, err := tk.Artifact(ctx, "report", flow.ArtifactConfig{Name: "report.md", Content: "hello world"})
			if err != nil {
				return err
			}
			if art.SHA256 != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" || art.Size != 11 {
				return errors.New("artifact digest")
			}
			if _, err := tk.Artifact(ctx, "escape", flow.ArtifactConfig{Name: "../x"}); !flow.IsPermanent(err) {
				return errors.New("escaping artifact name accepted")
			}

			if err := tk.Annotation(ctx, "note", flow.AnnotationConfig{Title: "heads up", Level: "warning"}); err != nil {
				return err
			}
			if err := tk.Annotation(ctx, "bad", flow.AnnotationConfig{Level: "loud"}); !flow.IsPermanent(err) {
				return errors.New("bad level accepted")
			}

			st, err := tk.Git(ctx, "status", flow.GitConfig{Op: flow.GitStatus})
			if err != nil {
				return err
			}
			if !st.Clean {
				return errors.New("artifact dirtied the checkout")
			}
			_, err = tk.Git(ctx, "bogus", flow.GitConfig{Op: "rebase"})
			if !flow.IsPermanent(err) {
				return errors.New("unknown git op accepted")
			}
			return nil
		})
	})

	require.NoError(t, h.engine.Execute(context.Background(), u, run.ID))

	data, err := os.ReadFile(filepath.Join(h.repo.RootDir, DefaultArtifactDir, run.ID, "report.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	types := h.eventTypes(t, run.ID)
	assert.Contains(t, types, events.EventCommandExecuted)
	assert.Contains(t, types, events.EventAnnotationAdded)
}

func TestHandleFailureIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	run := h.newRun(t, "flaky")

	h.engine.HandleFailure(ctx, run.ID, errors.New("worker lost"))
	h.engine.HandleFailure(ctx, run.ID, errors.New("worker lost again"))

	got, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunFailed, got.Status)
	assert.Equal(t, "worker lost", got.ErrorMessage)

	failed := 0
	for _, typ := range h.eventTypes(t, run.ID) {
		if typ == events.EventWorkflowFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	// Missing runs are logged, not panicked on.
	h.engine.HandleFailure(ctx, "RUN-gone", errors.New("x"))
}

func TestHandleFailureSkipsCompleted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	run := h.newRun(t, "done")
	require.NoError(t, h.store.UpdateRunStatus(ctx, run.ID, db.RunRunning, ""))
	require.NoError(t, h.store.UpdateRunStatus(ctx, run.ID, db.RunCompleted, ""))

	h.engine.HandleFailure(ctx, run.ID, errors.New("late"))

	got, _ := h.store.GetRun(ctx, run.ID)
	assert.Equal(t, db.RunCompleted, got.Status)
}

func TestStepKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ci-build", StepKey("ci", "build"))
	assert.Equal(t, "build", StepKey("", "build"))
}
