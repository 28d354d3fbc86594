// Package orchestrator is the trigger surface of the engine: it validates a
// trigger request against the published definitions, records a pending run
// and executes it through the durable runner.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/durable"
	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
	"github.com/randalmurphal/orcflow/internal/git"
	"github.com/randalmurphal/orcflow/internal/workflow"
	"github.com/randalmurphal/orcflow/internal/workspace"
)

// Executor runs a unit as a stored run.
type Executor interface {
	Execute(ctx context.Context, unit *workflow.Unit, runID string) error
	HandleFailure(ctx context.Context, runID string, cause error)
}

// Lookup resolves a definition id to the published unit.
type Lookup interface {
	Lookup(projectID, id string) (*workflow.Unit, bool)
}

// Request asks for a new run of a definition.
type Request struct {
	ProjectID    string         `json:"project_id"`
	DefinitionID string         `json:"definition_id"`
	Args         map[string]any `json:"args,omitempty"`
	// Mode is stay, branch, worktree or empty for the manager's default
	// priority (worktree name, then branch, then stay).
	Mode         string `json:"mode,omitempty"`
	Branch       string `json:"branch,omitempty"`
	BaseBranch   string `json:"base_branch,omitempty"`
	WorktreeName string `json:"worktree_name,omitempty"`
	Preserve     bool   `json:"preserve,omitempty"`
	TriggeredBy  string `json:"triggered_by,omitempty"`
	// Wait executes the run before Trigger returns.
	Wait bool `json:"wait,omitempty"`
}

// Orchestrator creates and executes runs.
type Orchestrator struct {
	store    *db.EngineDB
	units    Lookup
	executor Executor
	runner   *durable.Runner
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Orchestrator. Failures the runner gives up on are handed
// to the executor's HandleFailure.
func New(store *db.EngineDB, units Lookup, exec Executor, substrate *durable.Substrate, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		units:    units,
		executor: exec,
		logger:   slog.Default(),
		active:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.runner = durable.NewRunner(substrate,
		durable.WithFailureHook(exec.HandleFailure),
		durable.WithRunnerLogger(o.logger))
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Trigger creates a pending run and executes it. With req.Wait the run has
// finished when Trigger returns and its execution error is returned along
// with the final run; otherwise the run executes in the background.
func (o *Orchestrator) Trigger(ctx context.Context, req Request) (*db.WorkflowRun, error) {
	unit, err := o.resolve(ctx, req.ProjectID, req.DefinitionID)
	if err != nil {
		return nil, err
	}
	if err := validateIsolation(req); err != nil {
		return nil, err
	}
	args, err := workflow.ResolveArgs(unit.Spec.Args, req.Args)
	if err != nil {
		return nil, orcerrors.ErrArgsInvalid(unit.ID(), err.Error())
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}

	run := &db.WorkflowRun{
		DefinitionID: unit.ID(),
		ProjectID:    req.ProjectID,
		TriggeredBy:  req.TriggeredBy,
		Args:         string(rawArgs),
		Mode:         req.Mode,
		BranchName:   req.Branch,
		BaseBranch:   req.BaseBranch,
		WorktreeName: req.WorktreeName,
		Preserve:     req.Preserve,
		Status:       db.RunPending,
	}
	if err := o.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.logger.Info("run triggered",
		"run_id", run.ID,
		"project_id", run.ProjectID,
		"workflow", run.DefinitionID,
		"mode", run.Mode,
		"triggered_by", run.TriggeredBy)

	if !req.Wait {
		o.spawn(run.ID, unit)
		return run, nil
	}

	execErr := o.execute(ctx, run.ID, unit)
	final, err := o.store.GetRun(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		return run, errors.Join(execErr, err)
	}
	return final, execErr
}

// ResumeInterrupted re-executes every run left running by a previous
// process. Completed steps replay from their recorded results. Runs whose
// definition is no longer published are marked failed. It returns the
// number of runs resumed.
func (o *Orchestrator) ResumeInterrupted(ctx context.Context) (int, error) {
	runs, err := o.store.ListRuns(ctx, db.RunListOpts{Status: db.RunRunning})
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, run := range runs {
		if o.isActive(run.ID) {
			continue
		}
		unit, ok := o.units.Lookup(run.ProjectID, run.DefinitionID)
		if !ok {
			o.logger.Warn("interrupted run has no published definition", "run_id", run.ID, "workflow", run.DefinitionID)
			o.executor.HandleFailure(ctx, run.ID, orcerrors.ErrDefinitionNotFound(run.ProjectID, run.DefinitionID))
			continue
		}
		o.logger.Info("resuming interrupted run", "run_id", run.ID, "workflow", run.DefinitionID)
		o.spawn(run.ID, unit)
		resumed++
	}
	return resumed, nil
}

// Active returns the ids of runs executing in this process, sorted.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every background run has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels background runs and waits for them. Interrupted runs
// stay running in the store and are picked up by ResumeInterrupted.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) spawn(runID string, unit *workflow.Unit) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.execute(o.ctx, runID, unit); err != nil {
			o.logger.Debug("background run ended with error", "run_id", runID, "error", err)
		}
	}()
}

func (o *Orchestrator) execute(ctx context.Context, runID string, unit *workflow.Unit) error {
	o.mu.Lock()
	if _, ok := o.active[runID]; ok {
		o.mu.Unlock()
		return fmt.Errorf("run %s is already executing", runID)
	}
	o.active[runID] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, runID)
		o.mu.Unlock()
	}()

	return o.runner.Run(ctx, runID, func(ctx context.Context) error {
		return o.executor.Execute(ctx, unit, runID)
	})
}

func (o *Orchestrator) isActive(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[runID]
	return ok
}

// resolve finds the published unit for a trigger, explaining why when
// there is none.
func (o *Orchestrator) resolve(ctx context.Context, projectID, id string) (*workflow.Unit, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, orcerrors.ErrProjectNotFound(projectID)
	}
	if unit, ok := o.units.Lookup(projectID, id); ok {
		return unit, nil
	}

	for _, pid := range []string{projectID, db.GlobalProjectID} {
		def, err := o.store.GetDefinition(ctx, pid, id)
		if err != nil {
			return nil, err
		}
		if def != nil && !def.IsActive() {
			return nil, orcerrors.ErrDefinitionArchived(id, def.LoadError)
		}
	}
	return nil, orcerrors.ErrDefinitionNotFound(projectID, id)
}

func validateIsolation(req Request) error {
	switch workspace.Mode(req.Mode) {
	case "", workspace.ModeStay, workspace.ModeBranch, workspace.ModeWorktree:
	default:
		return orcerrors.ErrArgsInvalid(req.DefinitionID,
			fmt.Sprintf("unknown workspace mode %q (use stay, branch or worktree)", req.Mode))
	}
	for _, b := range []string{req.Branch, req.BaseBranch} {
		if b == "" {
			continue
		}
		if err := git.ValidateBranchName(b); err != nil {
			return orcerrors.ErrGitInvalidBranch(b).WithCause(err)
		}
	}
	if req.Mode == string(workspace.ModeBranch) && req.Branch == "" {
		return orcerrors.ErrArgsInvalid(req.DefinitionID, "branch mode needs a branch name")
	}
	return nil
}
