// Package runtime turns a loaded workflow unit into a durable run: it drives
// the run status, the reserved setup and finalize phases, and hands the
// workflow body a toolkit whose steps are recorded and memoized.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/orcflow/internal/agent"
	"github.com/randalmurphal/orcflow/internal/command"
	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/durable"
	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
	"github.com/randalmurphal/orcflow/internal/events"
	"github.com/randalmurphal/orcflow/internal/git"
	"github.com/randalmurphal/orcflow/internal/state"
	"github.com/randalmurphal/orcflow/internal/workflow"
	"github.com/randalmurphal/orcflow/internal/workspace"
	"github.com/randalmurphal/orcflow/pkg/flow"
)

// Default step timeouts.
const (
	DefaultAITimeout    = 10 * time.Minute
	DefaultAgentTimeout = 60 * time.Minute
	DefaultCLITimeout   = 30 * time.Minute
	DefaultSetupTimeout = 2 * time.Minute
)

// DefaultArtifactDir is where artifact steps write, relative to the project.
const DefaultArtifactDir = ".orc/artifacts"

// Config controls execution behavior.
type Config struct {
	// Production skips validation of phase ids against the declared list.
	Production bool

	// StepTimeout bounds generic and git steps. Zero means no limit.
	StepTimeout  time.Duration
	AITimeout    time.Duration
	AgentTimeout time.Duration
	CLITimeout   time.Duration
	SetupTimeout time.Duration

	// PreserveBranch and PreserveWorktree apply to every run; a run's own
	// preserve flag turns both on.
	PreserveBranch   bool
	PreserveWorktree bool

	ArtifactDir string
}

// DefaultConfig returns the default execution config.
func DefaultConfig() Config {
	return Config{
		AITimeout:    DefaultAITimeout,
		AgentTimeout: DefaultAgentTimeout,
		CLITimeout:   DefaultCLITimeout,
		SetupTimeout: DefaultSetupTimeout,
		ArtifactDir:  DefaultArtifactDir,
	}
}

// Workspace applies and reverses run isolation.
type Workspace interface {
	Setup(ctx context.Context, projectPath string, req workspace.Request) (*workspace.Result, error)
	Resume(ctx context.Context, projectPath string, req workspace.Request, prev *workspace.Result) (*workspace.Result, error)
	Finalize(ctx context.Context, projectPath string, res *workspace.Result, opts workspace.FinalizeOptions) error
}

// Engine executes workflow runs.
type Engine struct {
	store     *db.EngineDB
	substrate *durable.Substrate
	workspace Workspace
	git       git.Ops
	commands  command.Runner
	agent     agent.Client
	recorder  *events.Recorder
	cfg       Config
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkspace replaces the workspace manager.
func WithWorkspace(w Workspace) Option {
	return func(e *Engine) { e.workspace = w }
}

// WithGit sets the git implementation used by git steps.
func WithGit(ops git.Ops) Option {
	return func(e *Engine) { e.git = ops }
}

// WithCommandRunner sets the process runner used by CLI steps.
func WithCommandRunner(r command.Runner) Option {
	return func(e *Engine) { e.commands = r }
}

// WithAgent sets the client used by AI and agent steps.
func WithAgent(c agent.Client) Option {
	return func(e *Engine) { e.agent = c }
}

// WithRecorder sets the event recorder.
func WithRecorder(r *events.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithConfig sets the execution config.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Engine. Collaborators not set through options get their
// default implementations.
func New(store *db.EngineDB, substrate *durable.Substrate, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		substrate: substrate,
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.git == nil {
		e.git = git.New()
	}
	if e.workspace == nil {
		e.workspace = workspace.NewManager(e.git, workspace.WithLogger(e.logger))
	}
	if e.commands == nil {
		e.commands = command.NewExecRunner()
	}
	if e.agent == nil {
		e.agent = agent.NewCLIClient(agent.WithRunner(e.commands))
	}
	if e.recorder == nil {
		e.recorder = events.NewRecorder(store, nil, e.logger)
	}
	if e.cfg.ArtifactDir == "" {
		e.cfg.ArtifactDir = DefaultArtifactDir
	}
	return e
}

// Execute runs unit as run runID. It may be called again for the same run
// after a crash or failure; completed steps are replayed from their recorded
// results. The body's error is returned after the run is marked failed,
// unless ctx was cancelled mid-run: the run then stays running.
func (e *Engine) Execute(ctx context.Context, unit *workflow.Unit, runID string) (err error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run == nil {
		return orcerrors.ErrRunNotFound(runID)
	}
	if unit == nil || unit.Func == nil {
		return orcerrors.ErrDefinitionNotFound(run.ProjectID, run.DefinitionID)
	}

	if ex, ok := durable.ExecutionFrom(ctx); ok && run.ExternalRunID != ex.ID {
		run.ExternalRunID = ex.ID
		if err := e.store.SaveRun(ctx, run); err != nil {
			e.logger.Warn("record execution id failed", "run_id", runID, "error", err)
		}
	}

	if _, err := state.Transition(ctx, e.store, runID, state.TriggerStart, ""); err != nil {
		return err
	}
	start := time.Now()
	log := e.logger.With("run_id", runID, "workflow", unit.ID())
	log.Info("run started", "project_id", run.ProjectID)
	e.recorder.Emit(ctx, events.WorkflowStarted(runID, unit.ID()))

	tk, err := e.newToolkit(ctx, run, unit)
	if err != nil {
		e.markFailed(ctx, run, unit.ID(), err)
		return err
	}

	defer func() {
		// Finalize runs for every outcome except an interruption, which
		// leaves the workspace for the resumed run. Its errors never change
		// the run status.
		if durable.Interrupted(ctx, err) {
			return
		}
		tk.finalize(context.WithoutCancel(ctx))
	}()

	err = e.body(ctx, tk, unit)
	if durable.Interrupted(ctx, err) {
		// The run stays running and resumes from its last completed step.
		log.Info("run interrupted", "error", err)
		return err
	}
	if err != nil {
		log.Error("run failed", "error", err)
		e.markFailed(ctx, run, unit.ID(), err)
		return err
	}

	if _, terr := state.Transition(ctx, e.store, runID, state.TriggerComplete, ""); terr != nil {
		log.Error("mark run completed failed", "critical", true, "error", terr)
	}
	e.recorder.Emit(ctx, events.WorkflowCompleted(runID, unit.ID(), time.Since(start)))
	log.Info("run completed", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func (e *Engine) body(ctx context.Context, tk *toolkit, unit *workflow.Unit) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workflow %s panicked: %v", unit.ID(), p)
		}
	}()
	if err := tk.setup(ctx); err != nil {
		return err
	}
	return unit.Func(ctx, tk, tk.args)
}

// HandleFailure marks a run failed after its execution gave up. It is safe
// to call for a run Execute already marked failed.
func (e *Engine) HandleFailure(ctx context.Context, runID string, cause error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		e.logger.Error("failure handler could not load run", "run_id", runID, "error", err)
		return
	}
	if run.Status == db.RunCompleted || run.Status == db.RunCancelled {
		return
	}
	e.markFailed(ctx, run, run.DefinitionID, cause)
}

// markFailed records the failure and emits workflow_failed. A failed status
// write is logged and the event is still attempted.
func (e *Engine) markFailed(ctx context.Context, run *db.WorkflowRun, workflowID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := state.Transition(ctx, e.store, run.ID, state.TriggerFail, msg); err != nil {
		e.logger.Error("mark run failed failed",
			"critical", true,
			"run_id", run.ID,
			"error", err,
			"cause", msg)
	}
	e.recorder.Emit(ctx, events.WorkflowFailed(run.ID, workflowID, cause))
}

func (e *Engine) newToolkit(ctx context.Context, run *db.WorkflowRun, unit *workflow.Unit) (*toolkit, error) {
	project, err := e.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, orcerrors.ErrProjectNotFound(run.ProjectID)
	}

	given := map[string]any{}
	if run.Args != "" {
		if err := json.Unmarshal([]byte(run.Args), &given); err != nil {
			return nil, fmt.Errorf("decode run args: %w", err)
		}
	}
	// Arguments were validated when the run was created; resolving again
	// applies defaults for runs created by other clients.
	args, err := workflow.ResolveArgs(unit.Spec.Args, given)
	if err != nil {
		return nil, orcerrors.ErrArgsInvalid(unit.ID(), err.Error())
	}

	return &toolkit{
		e:           e,
		run:         run,
		spec:        unit.Spec,
		projectPath: project.Path,
		workDir:     project.Path,
		args:        args,
		logger:      e.logger.With("run_id", run.ID, "workflow", unit.ID()),
	}, nil
}

// translateSetupError rewrites well-known git failures into actionable
// errors. Those are not retried.
func translateSetupError(err error, branch string) error {
	var oe *orcerrors.OrcError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &oe):
		return err
	case errors.Is(err, git.ErrBranchExists):
		return flow.Permanent(orcerrors.ErrGitBranchExists(branch).WithCause(err))
	case errors.Is(err, git.ErrInvalidBranchName):
		return flow.Permanent(orcerrors.ErrGitInvalidBranch(branch).WithCause(err))
	case errors.Is(err, flow.ErrStepTimeout):
		return err
	default:
		return orcerrors.ErrWorkspaceSetup(err)
	}
}
