// Package flow is the API workflow code is written against.
//
// A Go workflow file under .orc/workflows declares two functions:
//
//	func Workflow() flow.Spec
//	func Run(ctx context.Context, t flow.Toolkit, in flow.Input) error
//
// Workflow describes the definition (identifier, phases, arguments). Run is
// the body. Every side effect goes through the Toolkit so it is recorded as
// a step and replayed, not re-executed, when a run is retried.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Reserved phase names managed by the engine. Workflows may not declare them.
const (
	PhaseSetup    = "setup"
	PhaseFinalize = "finalize"
)

// IsReservedPhase reports whether id is an engine-managed phase.
func IsReservedPhase(id string) bool {
	return id == PhaseSetup || id == PhaseFinalize
}

// Func is a workflow body.
type Func func(ctx context.Context, t Toolkit, in Input) error

// Toolkit is handed to a workflow body. All methods that take a stepID are
// memoized: within a run, a step that already completed returns its recorded
// result without running again. Inside Phase, step ids are prefixed with the
// phase id, so the same stepID may be reused in different phases.
type Toolkit interface {
	RunID() string
	// WorkingDir is the checkout the run operates in (the project root,
	// or the run's worktree).
	WorkingDir() string
	Args() Input

	// Run executes fn as a generic memoized step. fn's result is stored as JSON.
	Run(ctx context.Context, stepID string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error)
	// Phase groups steps. Phases are not memoized; their steps are.
	Phase(ctx context.Context, phaseID string, fn func(ctx context.Context) error) error

	Git(ctx context.Context, stepID string, cfg GitConfig) (*GitResult, error)
	CLI(ctx context.Context, stepID string, cfg CLIConfig) (*CLIResult, error)
	AI(ctx context.Context, stepID string, cfg AIConfig) (*AIResult, error)
	Agent(ctx context.Context, stepID string, cfg AgentConfig) (*AgentResult, error)
	Artifact(ctx context.Context, stepID string, cfg ArtifactConfig) (*ArtifactResult, error)
	Annotation(ctx context.Context, stepID string, cfg AnnotationConfig) error
}

// Spec is the static description of a workflow.
type Spec struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name,omitempty" json:"name,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Phases      []PhaseSpec `yaml:"phases,omitempty" json:"phases,omitempty"`
	Args        []ArgSpec   `yaml:"args,omitempty" json:"args,omitempty"`
}

// PhaseSpec declares a phase.
type PhaseSpec struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// ArgSpec declares an argument accepted when the workflow is triggered.
type ArgSpec struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"` // string, int, bool, number
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// PhaseIDs returns the declared phase ids in order.
func (s Spec) PhaseIDs() []string {
	ids := make([]string, 0, len(s.Phases))
	for _, p := range s.Phases {
		ids = append(ids, p.ID)
	}
	return ids
}

// HasPhase reports whether id is declared.
func (s Spec) HasPhase(id string) bool {
	for _, p := range s.Phases {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Input holds the run's arguments.
type Input map[string]any

// String returns the argument as a string ("" when absent).
func (in Input) String(name string) string {
	v, ok := in[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Bool returns the argument as a bool. Strings are parsed.
func (in Input) Bool(name string) bool {
	switch v := in[name].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Int returns the argument as an int. JSON numbers and strings are converted.
func (in Input) Int(name string) int {
	switch v := in[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
