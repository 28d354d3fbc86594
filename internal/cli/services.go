package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/randalmurphal/orcflow/internal/agent"
	"github.com/randalmurphal/orcflow/internal/command"
	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/db/driver"
	"github.com/randalmurphal/orcflow/internal/durable"
	"github.com/randalmurphal/orcflow/internal/events"
	"github.com/randalmurphal/orcflow/internal/git"
	"github.com/randalmurphal/orcflow/internal/loader"
	"github.com/randalmurphal/orcflow/internal/orchestrator"
	"github.com/randalmurphal/orcflow/internal/project"
	"github.com/randalmurphal/orcflow/internal/registry"
	"github.com/randalmurphal/orcflow/internal/runtime"
	"github.com/randalmurphal/orcflow/internal/scanner"
	"github.com/randalmurphal/orcflow/internal/workspace"
)

// services is the wired engine a command works against.
type services struct {
	store     *db.EngineDB
	publisher *events.MemoryPublisher
	recorder  *events.Recorder
	registry  *registry.Registry
	engine    *runtime.Engine
	orch      *orchestrator.Orchestrator
}

// openStore opens the configured engine database.
func (a *app) openStore(ctx context.Context) (*db.EngineDB, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	dsn := a.cfg.DatabaseDSN(home)
	store, err := db.OpenEngine(ctx, driver.Dialect(a.cfg.Database.Dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.logger.Debug("database opened", "dialect", a.cfg.Database.Dialect)
	return store, nil
}

// openServices opens the store and wires the registry, engine and
// orchestrator from the loaded config.
func (a *app) openServices(ctx context.Context) (*services, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.cfg
	logger := a.logger

	pub := events.NewMemoryPublisher()
	rec := events.NewRecorder(store, pub, logger)

	ld := loader.New(loader.WithGlobs(cfg.Workflows.Globs...), loader.WithLogger(logger))
	reg := registry.New(store, scanner.New(store, ld, logger),
		registry.WithWorkflowsDir(cfg.Workflows.Dir),
		registry.WithGlobalDir(cfg.Workflows.GlobalDir),
		registry.WithRecorder(rec),
		registry.WithLogger(logger))

	gitOps := git.New()
	commands := command.NewExecRunner()
	substrate := durable.New(store,
		durable.WithRetries(uint64(cfg.Execution.StepRetries)),
		durable.WithLogger(logger))
	engine := runtime.New(store, substrate,
		runtime.WithConfig(cfg.Runtime()),
		runtime.WithGit(gitOps),
		runtime.WithWorkspace(workspace.NewManager(gitOps,
			append(cfg.WorkspaceOptions(), workspace.WithLogger(logger))...)),
		runtime.WithCommandRunner(commands),
		runtime.WithAgent(agent.NewCLIClient(
			agent.WithClaudePath(cfg.Agent.ClaudePath),
			agent.WithModel(cfg.Agent.Model),
			agent.WithRunner(commands))),
		runtime.WithRecorder(rec),
		runtime.WithLogger(logger))
	orch := orchestrator.New(store, reg, engine, substrate, orchestrator.WithLogger(logger))

	return &services{
		store:     store,
		publisher: pub,
		recorder:  rec,
		registry:  reg,
		engine:    engine,
		orch:      orch,
	}, nil
}

// Close stops background runs and closes the store.
func (s *services) Close() error {
	s.orch.Shutdown()
	s.publisher.Close()
	return s.store.Close()
}

// resolveProject returns the project named by ref (id or path), or the
// project containing the working directory when ref is empty.
func resolveProject(ctx context.Context, store *db.EngineDB, ref string) (*db.Project, error) {
	if ref != "" {
		return project.Get(ctx, store, ref)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	if root, err := git.New().RepoRoot(ctx, wd); err == nil {
		wd = root
	}
	return project.Get(ctx, store, wd)
}

// closeWith joins a close error into err.
func closeWith(err *error, c interface{ Close() error }) {
	if cerr := c.Close(); cerr != nil {
		*err = errors.Join(*err, cerr)
	}
}
