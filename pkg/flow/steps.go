package flow

import (
	"encoding/json"
	"time"
)

// GitOp selects the git operation performed by Toolkit.Git.
type GitOp string

const (
	GitCommit        GitOp = "commit"
	GitStatus        GitOp = "status"
	GitCurrentBranch GitOp = "current_branch"
	GitSwitch        GitOp = "switch"
	GitCreateBranch  GitOp = "create_branch"
)

// GitConfig configures a git step. Git steps run in the run's working dir.
type GitConfig struct {
	Op      GitOp  `yaml:"op" json:"op"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
	Branch  string `yaml:"branch,omitempty" json:"branch,omitempty"`
	Base    string `yaml:"base,omitempty" json:"base,omitempty"`
}

// GitResult is the outcome of a git step.
type GitResult struct {
	Branch string   `json:"branch,omitempty"`
	SHA    string   `json:"sha,omitempty"`
	Clean  bool     `json:"clean"`
	Files  []string `json:"files,omitempty"`
	// NothingToCommit is set when a commit step found a clean tree.
	NothingToCommit bool `json:"nothing_to_commit,omitempty"`
}

// CLIConfig configures a process step.
type CLIConfig struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"` // relative to the working dir
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Stdin   string            `yaml:"stdin,omitempty" json:"stdin,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// AllowFailure records a non-zero exit in the result instead of failing
	// the step.
	AllowFailure bool `yaml:"allow_failure,omitempty" json:"allow_failure,omitempty"`
}

// CLIResult is the outcome of a process step.
type CLIResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
}

// AIConfig configures a single-shot model completion.
type AIConfig struct {
	Prompt  string        `yaml:"prompt" json:"prompt"`
	System  string        `yaml:"system,omitempty" json:"system,omitempty"`
	Model   string        `yaml:"model,omitempty" json:"model,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// JSON requests a JSON answer; the parsed document is returned in
	// AIResult.JSON.
	JSON bool `yaml:"json,omitempty" json:"json,omitempty"`
}

// AIResult is the outcome of an AI step.
type AIResult struct {
	Text    string          `json:"text"`
	JSON    json.RawMessage `json:"json,omitempty"`
	Model   string          `json:"model,omitempty"`
	CostUSD float64         `json:"cost_usd,omitempty"`
}

// AgentConfig configures a multi-turn tool-using agent session that runs in
// the working dir.
type AgentConfig struct {
	Prompt       string        `yaml:"prompt" json:"prompt"`
	System       string        `yaml:"system,omitempty" json:"system,omitempty"`
	Model        string        `yaml:"model,omitempty" json:"model,omitempty"`
	AllowedTools []string      `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	MaxTurns     int           `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// AgentResult is the outcome of an agent step.
type AgentResult struct {
	Result    string  `json:"result"`
	SessionID string  `json:"session_id,omitempty"`
	Turns     int     `json:"turns,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// ArtifactConfig configures an artifact write. Name is a path relative to
// the run's artifact directory.
type ArtifactConfig struct {
	Name    string `yaml:"name" json:"name"`
	Content string `yaml:"content" json:"content"`
}

// ArtifactResult describes a stored artifact.
type ArtifactResult struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// AnnotationConfig is a free-form note attached to the run's event stream.
type AnnotationConfig struct {
	Title string         `yaml:"title" json:"title"`
	Body  string         `yaml:"body,omitempty" json:"body,omitempty"`
	Level string         `yaml:"level,omitempty" json:"level,omitempty"` // info, warning, error
	Data  map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
}
