// Package config provides configuration management for orcflow.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/db/driver"
	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
	"github.com/randalmurphal/orcflow/internal/git"
	"github.com/randalmurphal/orcflow/internal/loader"
	"github.com/randalmurphal/orcflow/internal/runtime"
	"github.com/randalmurphal/orcflow/internal/workspace"
)

const (
	// OrcDir is the per-user (and per-project) orc directory name.
	OrcDir = ".orc"
	// ConfigFileName is the config file name inside OrcDir.
	ConfigFileName = "config.yaml"
)

// DatabaseConfig selects the engine store.
type DatabaseConfig struct {
	// Dialect is sqlite or postgres.
	Dialect string `yaml:"dialect"`
	// DSN is a file path for sqlite and a connection string for postgres.
	// Empty means ~/.orc/orcflow.db.
	DSN string `yaml:"dsn"`
}

// WorkflowsConfig controls workflow discovery.
type WorkflowsConfig struct {
	// Dir is the workflow directory relative to each project root.
	Dir string `yaml:"dir"`
	// Globs restrict candidate files (doublestar patterns, relative to Dir).
	Globs []string `yaml:"globs,omitempty"`
	// GlobalDir holds workflows visible to every project. Empty disables
	// global workflows.
	GlobalDir string `yaml:"global_dir"`
}

// WorkspaceConfig controls run isolation.
type WorkspaceConfig struct {
	WorktreeDir      string `yaml:"worktree_dir"`
	BranchPrefix     string `yaml:"branch_prefix"`
	CommitPrefix     string `yaml:"commit_prefix"`
	PreserveBranch   bool   `yaml:"preserve_branch"`
	PreserveWorktree bool   `yaml:"preserve_worktree"`
}

// ExecutionConfig controls step execution.
type ExecutionConfig struct {
	// Production skips phase id validation.
	Production   bool          `yaml:"production"`
	StepTimeout  time.Duration `yaml:"step_timeout"`
	AITimeout    time.Duration `yaml:"ai_timeout"`
	AgentTimeout time.Duration `yaml:"agent_timeout"`
	CLITimeout   time.Duration `yaml:"cli_timeout"`
	SetupTimeout time.Duration `yaml:"setup_timeout"`
	// StepRetries is how many times a failing step is retried before the
	// run fails. Permanent errors are never retried.
	StepRetries int `yaml:"step_retries"`
}

// AgentConfig configures the Claude CLI client.
type AgentConfig struct {
	ClaudePath string `yaml:"claude_path"`
	Model      string `yaml:"model"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ReloadConfig controls when definitions are reloaded by the server.
type ReloadConfig struct {
	// Watch enables the file watcher.
	Watch bool `yaml:"watch"`
	// Interval triggers a periodic reload. Zero disables it.
	Interval   time.Duration `yaml:"interval"`
	DebounceMs int           `yaml:"debounce_ms"`
}

// Config is the orcflow configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Execution ExecutionConfig `yaml:"execution"`
	Agent     AgentConfig     `yaml:"agent"`
	Server    ServerConfig    `yaml:"server"`
	Reload    ReloadConfig    `yaml:"reload"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Dialect: string(driver.DialectSQLite),
		},
		Workflows: WorkflowsConfig{
			Dir: loader.WorkflowsDir,
		},
		Workspace: WorkspaceConfig{
			WorktreeDir:  workspace.DefaultWorktreeDir,
			BranchPrefix: git.DefaultBranchPrefix,
			CommitPrefix: workspace.DefaultCommitPrefix,
		},
		Execution: ExecutionConfig{
			AITimeout:    runtime.DefaultAITimeout,
			AgentTimeout: runtime.DefaultAgentTimeout,
			CLITimeout:   runtime.DefaultCLITimeout,
			SetupTimeout: runtime.DefaultSetupTimeout,
			StepRetries:  3,
		},
		Agent: AgentConfig{
			ClaudePath: "claude",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
		Reload: ReloadConfig{
			Watch:      true,
			DebounceMs: 500,
		},
	}
}

// DefaultPath returns the user config path (~/.orc/config.yaml).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, OrcDir, ConfigFileName), nil
}

// Load reads the config at path over the defaults and applies ORC_*
// environment overrides. A missing file yields the defaults. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg, err := LoadFrom(path)
	if err != nil {
		return nil, err
	}
	ApplyEnvVars(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFrom reads the config file at path over the defaults without env
// overrides or validation.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, orcerrors.ErrConfigInvalid(path, err.Error())
	}
	return cfg, nil
}

// SaveTo writes the config to path, creating its directory.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside the engine.
func (c *Config) Validate() error {
	switch driver.Dialect(c.Database.Dialect) {
	case driver.DialectSQLite:
	case driver.DialectPostgres:
		if c.Database.DSN == "" {
			return orcerrors.ErrConfigInvalid("database.dsn", "postgres needs a connection string")
		}
	default:
		return orcerrors.ErrConfigInvalid("database.dialect",
			fmt.Sprintf("unknown dialect %q (use sqlite or postgres)", c.Database.Dialect))
	}

	if c.Workflows.Dir == "" {
		return orcerrors.ErrConfigInvalid("workflows.dir", "must not be empty")
	}
	if filepath.IsAbs(c.Workflows.Dir) {
		return orcerrors.ErrConfigInvalid("workflows.dir", "must be relative to the project root")
	}
	if c.Workspace.BranchPrefix != "" {
		if err := git.ValidateBranchName(c.Workspace.BranchPrefix + "x"); err != nil {
			return orcerrors.ErrConfigInvalid("workspace.branch_prefix", err.Error())
		}
	}

	durations := map[string]time.Duration{
		"execution.step_timeout":  c.Execution.StepTimeout,
		"execution.ai_timeout":    c.Execution.AITimeout,
		"execution.agent_timeout": c.Execution.AgentTimeout,
		"execution.cli_timeout":   c.Execution.CLITimeout,
		"execution.setup_timeout": c.Execution.SetupTimeout,
		"reload.interval":         c.Reload.Interval,
	}
	for key, d := range durations {
		if d < 0 {
			return orcerrors.ErrConfigInvalid(key, "must not be negative")
		}
	}
	if c.Execution.StepRetries < 0 {
		return orcerrors.ErrConfigInvalid("execution.step_retries", "must not be negative")
	}
	if c.Reload.DebounceMs < 0 {
		return orcerrors.ErrConfigInvalid("reload.debounce_ms", "must not be negative")
	}
	if c.Server.Addr == "" {
		return orcerrors.ErrConfigInvalid("server.addr", "must not be empty")
	}
	return nil
}

// DatabaseDSN returns the configured DSN, defaulting sqlite to a file under
// home.
func (c *Config) DatabaseDSN(home string) string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return db.DefaultPath(home)
}

// Runtime converts the execution settings for the runtime engine.
func (c *Config) Runtime() runtime.Config {
	rc := runtime.DefaultConfig()
	rc.Production = c.Execution.Production
	rc.StepTimeout = c.Execution.StepTimeout
	rc.PreserveBranch = c.Workspace.PreserveBranch
	rc.PreserveWorktree = c.Workspace.PreserveWorktree
	if c.Execution.AITimeout > 0 {
		rc.AITimeout = c.Execution.AITimeout
	}
	if c.Execution.AgentTimeout > 0 {
		rc.AgentTimeout = c.Execution.AgentTimeout
	}
	if c.Execution.CLITimeout > 0 {
		rc.CLITimeout = c.Execution.CLITimeout
	}
	if c.Execution.SetupTimeout > 0 {
		rc.SetupTimeout = c.Execution.SetupTimeout
	}
	return rc
}

// WorkspaceOptions returns the workspace manager options for this config.
func (c *Config) WorkspaceOptions() []workspace.Option {
	return []workspace.Option{
		workspace.WithWorktreeDir(c.Workspace.WorktreeDir),
		workspace.WithBranchPrefix(c.Workspace.BranchPrefix),
		workspace.WithCommitPrefix(c.Workspace.CommitPrefix),
	}
}
