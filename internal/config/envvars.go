package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EnvVarMapping maps environment variable names to config paths.
var EnvVarMapping = map[string]string{
	"ORC_DATABASE_DIALECT":     "database.dialect",
	"ORC_DATABASE_DSN":         "database.dsn",
	"ORC_WORKFLOWS_DIR":        "workflows.dir",
	"ORC_WORKFLOWS_GLOBS":      "workflows.globs",
	"ORC_WORKFLOWS_GLOBAL_DIR": "workflows.global_dir",
	"ORC_WORKTREE_DIR":         "workspace.worktree_dir",
	"ORC_BRANCH_PREFIX":        "workspace.branch_prefix",
	"ORC_COMMIT_PREFIX":        "workspace.commit_prefix",
	"ORC_PRESERVE_BRANCH":      "workspace.preserve_branch",
	"ORC_PRESERVE_WORKTREE":    "workspace.preserve_worktree",
	"ORC_PRODUCTION":           "execution.production",
	"ORC_STEP_TIMEOUT":         "execution.step_timeout",
	"ORC_AI_TIMEOUT":           "execution.ai_timeout",
	"ORC_AGENT_TIMEOUT":        "execution.agent_timeout",
	"ORC_CLI_TIMEOUT":          "execution.cli_timeout",
	"ORC_SETUP_TIMEOUT":        "execution.setup_timeout",
	"ORC_STEP_RETRIES":         "execution.step_retries",
	"ORC_CLAUDE_PATH":          "agent.claude_path",
	"ORC_MODEL":                "agent.model",
	"ORC_SERVER_ADDR":          "server.addr",
	"ORC_RELOAD_WATCH":         "reload.watch",
	"ORC_RELOAD_INTERVAL":      "reload.interval",
	"ORC_RELOAD_DEBOUNCE_MS":   "reload.debounce_ms",
}

// ApplyEnvVars applies environment variable overrides to cfg and returns
// the config paths that were overridden, sorted. Values that fail to parse
// are ignored.
func ApplyEnvVars(cfg *Config) []string {
	var overridden []string
	for envVar, configPath := range EnvVarMapping {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}
		if applyEnvVar(cfg, configPath, value) {
			overridden = append(overridden, configPath)
		}
	}
	sort.Strings(overridden)
	return overridden
}

// applyEnvVar applies a single environment variable to the config.
// Returns true if the value was applied.
func applyEnvVar(cfg *Config, path string, value string) bool {
	switch path {
	case "database.dialect":
		cfg.Database.Dialect = value
	case "database.dsn":
		cfg.Database.DSN = value
	case "workflows.dir":
		cfg.Workflows.Dir = value
	case "workflows.globs":
		cfg.Workflows.Globs = splitList(value)
	case "workflows.global_dir":
		cfg.Workflows.GlobalDir = value
	case "workspace.worktree_dir":
		cfg.Workspace.WorktreeDir = value
	case "workspace.branch_prefix":
		cfg.Workspace.BranchPrefix = value
	case "workspace.commit_prefix":
		cfg.Workspace.CommitPrefix = value
	case "workspace.preserve_branch":
		cfg.Workspace.PreserveBranch = parseBool(value)
	case "workspace.preserve_worktree":
		cfg.Workspace.PreserveWorktree = parseBool(value)
	case "execution.production":
		cfg.Execution.Production = parseBool(value)
	case "execution.step_timeout":
		return setDuration(&cfg.Execution.StepTimeout, value)
	case "execution.ai_timeout":
		return setDuration(&cfg.Execution.AITimeout, value)
	case "execution.agent_timeout":
		return setDuration(&cfg.Execution.AgentTimeout, value)
	case "execution.cli_timeout":
		return setDuration(&cfg.Execution.CLITimeout, value)
	case "execution.setup_timeout":
		return setDuration(&cfg.Execution.SetupTimeout, value)
	case "execution.step_retries":
		return setInt(&cfg.Execution.StepRetries, value)
	case "agent.claude_path":
		cfg.Agent.ClaudePath = value
	case "agent.model":
		cfg.Agent.Model = value
	case "server.addr":
		cfg.Server.Addr = value
	case "reload.watch":
		cfg.Reload.Watch = parseBool(value)
	case "reload.interval":
		return setDuration(&cfg.Reload.Interval, value)
	case "reload.debounce_ms":
		return setInt(&cfg.Reload.DebounceMs, value)
	default:
		return false
	}
	return true
}

func setDuration(dst *time.Duration, value string) bool {
	d, err := time.ParseDuration(value)
	if err != nil {
		return false
	}
	*dst = d
	return true
}

func setInt(dst *int, value string) bool {
	v, err := strconv.Atoi(value)
	if err != nil {
		return false
	}
	*dst = v
	return true
}

// splitList splits a comma separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseBool parses a boolean string (case-insensitive).
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
