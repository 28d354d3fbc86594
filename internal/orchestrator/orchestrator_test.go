package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/durable"
	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
	"github.com/randalmurphal/orcflow/internal/registry"
	"github.com/randalmurphal/orcflow/internal/runtime"
	"github.com/randalmurphal/orcflow/internal/testutil"
	"github.com/randalmurphal/orcflow/internal/workflow"
	"github.com/randalmurphal/orcflow/pkg/flow"
)

const deployWorkflow = `id: deploy
args:
  - name: env
    required: true
  - name: replicas
    type: int
    default: 2
phases:
  - id: ship
    steps:
      - id: note
        annotation: {title: "deploying to {{ .Args.env }}"}
`

type fixture struct {
	orc     *Orchestrator
	store   *db.EngineDB
	reg     *registry.Registry
	repo    *testutil.TestRepo
	project *db.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := db.NewTestEngineDB(t)
	repo := testutil.SetupTestRepo(t)
	project := &db.Project{Name: "app", Path: repo.RootDir}
	require.NoError(t, store.SaveProject(ctx, project))

	repo.WriteWorkflow("deploy.yaml", deployWorkflow)
	repo.WriteWorkflow("hello.yaml", testutil.MinimalWorkflow("hello"))
	reg := registry.New(store, nil)
	_, err := reg.Reload(ctx)
	require.NoError(t, err)

	sub := durable.New(store, durable.WithRetries(0), durable.WithBackoff(time.Millisecond))
	engine := runtime.New(store, sub)
	orc := New(store, reg, engine, sub)
	t.Cleanup(orc.Shutdown)

	return &fixture{orc: orc, store: store, reg: reg, repo: repo, project: project}
}

func code(t *testing.T, err error) orcerrors.Code {
	t.Helper()
	oe := orcerrors.AsOrcError(err)
	require.NotNil(t, oe, "expected an OrcError, got %v", err)
	return oe.Code
}

func TestTriggerAndWait(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	run, err := f.orc.Trigger(context.Background(), Request{
		ProjectID:    f.project.ID,
		DefinitionID: "deploy",
		Args:         map[string]any{"env": "staging"},
		TriggeredBy:  "test",
		Wait:         true,
	})
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, run.Status)
	assert.NotEmpty(t, run.ExternalRunID)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(run.Args), &args))
	assert.Equal(t, map[string]any{"env": "staging", "replicas": float64(2)}, args)

	steps, err := f.store.ListSteps(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "note", steps[1].Name)
	assert.Equal(t, "ship", steps[1].Phase)
}

func TestTriggerAsync(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	run, err := f.orc.Trigger(context.Background(), Request{ProjectID: f.project.ID, DefinitionID: "hello"})
	require.NoError(t, err)
	assert.Equal(t, db.RunPending, run.Status)

	f.orc.Wait()
	got, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, got.Status)
	assert.Empty(t, f.orc.Active())
}

func TestTriggerRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want orcerrors.Code
	}{
		{"unknown project", Request{ProjectID: "PRJ-nope", DefinitionID: "hello"}, orcerrors.CodeProjectNotFound},
		{"unknown definition", Request{ProjectID: f.project.ID, DefinitionID: "nope"}, orcerrors.CodeDefinitionNotFound},
		{"missing required arg", Request{ProjectID: f.project.ID, DefinitionID: "deploy"}, orcerrors.CodeArgsInvalid},
		{"wrong arg type", Request{ProjectID: f.project.ID, DefinitionID: "deploy",
			Args: map[string]any{"env": "x", "replicas": "many"}}, orcerrors.CodeArgsInvalid},
		{"unknown mode", Request{ProjectID: f.project.ID, DefinitionID: "hello", Mode: "fork"}, orcerrors.CodeArgsInvalid},
		{"branch mode without branch", Request{ProjectID: f.project.ID, DefinitionID: "hello", Mode: "branch"}, orcerrors.CodeArgsInvalid},
		{"invalid branch", Request{ProjectID: f.project.ID, DefinitionID: "hello", Branch: "bad..name"}, orcerrors.CodeGitInvalidBranch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orc.Trigger(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.want, code(t, err))
		})
	}

	runs, err := f.store.ListRuns(ctx, db.RunListOpts{ProjectID: f.project.ID})
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected triggers must not create runs")
}

func TestTriggerArchivedDefinition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.repo.WriteWorkflow("hello.yaml", "id: [broken")
	_, err := f.reg.Reload(ctx)
	require.NoError(t, err)

	_, err = f.orc.Trigger(ctx, Request{ProjectID: f.project.ID, DefinitionID: "hello"})
	assert.Equal(t, orcerrors.CodeDefinitionArchived, code(t, err))
}

func TestResumeInterrupted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	orphan := &db.WorkflowRun{DefinitionID: "hello", ProjectID: f.project.ID}
	require.NoError(t, f.store.SaveRun(ctx, orphan))
	require.NoError(t, f.store.UpdateRunStatus(ctx, orphan.ID, db.RunRunning, ""))

	gone := &db.WorkflowRun{DefinitionID: "deleted", ProjectID: f.project.ID}
	require.NoError(t, f.store.SaveRun(ctx, gone))
	require.NoError(t, f.store.UpdateRunStatus(ctx, gone.ID, db.RunRunning, ""))

	n, err := f.orc.ResumeInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.orc.Wait()

	got, err := f.store.GetRun(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, got.Status)

	got, err = f.store.GetRun(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "deleted")
}

type staticUnits map[string]*workflow.Unit

func (u staticUnits) Lookup(_, id string) (*workflow.Unit, bool) {
	unit, ok := u[id]
	return unit, ok
}

func TestShutdownLeavesRunsResumable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var prepared int
	started := make(chan struct{})
	spec := flow.Spec{ID: "slow", Phases: []flow.PhaseSpec{{ID: "main"}}}
	body := func(wait bool) flow.Func {
		return func(ctx context.Context, tk flow.Toolkit, _ flow.Input) error {
			return tk.Phase(ctx, "main", func(ctx context.Context) error {
				if _, err := tk.Run(ctx, "prepare", func(context.Context) (any, error) {
					prepared++
					return "ready", nil
				}); err != nil {
					return err
				}
				_, err := tk.Run(ctx, "work", func(ctx context.Context) (any, error) {
					if wait {
						close(started)
						<-ctx.Done()
						return nil, ctx.Err()
					}
					return "done", nil
				})
				return err
			})
		}
	}

	sub := durable.New(f.store, durable.WithRetries(0))
	first := New(f.store, staticUnits{"slow": {Spec: spec, Func: body(true)}}, runtime.New(f.store, sub), sub)
	run, err := first.Trigger(ctx, Request{ProjectID: f.project.ID, DefinitionID: "slow"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("run never reached its blocking step")
	}
	first.Shutdown()

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunRunning, got.Status)
	assert.Empty(t, got.ErrorMessage)
	failed, err := f.store.ListEvents(ctx, run.ID, db.ListEventsOpts{Types: []string{"workflow_failed"}})
	require.NoError(t, err)
	assert.Empty(t, failed)

	// The next process resumes the run; the completed step is replayed.
	second := New(f.store, staticUnits{"slow": {Spec: spec, Func: body(false)}}, runtime.New(f.store, sub), sub)
	t.Cleanup(second.Shutdown)
	n, err := second.ResumeInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	second.Wait()

	got, err = f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, got.Status)
	assert.Equal(t, 1, prepared)
}
