package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/pkg/flow"
)

func TestValidateSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		spec    flow.Spec
		wantErr error
	}{
		{"valid", flow.Spec{ID: "deploy", Phases: []flow.PhaseSpec{{ID: "ci"}, {ID: "ship"}}}, nil},
		{"missing id", flow.Spec{Name: "Deploy"}, ErrMissingIdentifier},
		{"blank id", flow.Spec{ID: "  "}, ErrMissingIdentifier},
		{"bad id", flow.Spec{ID: "invalid:x.go"}, ErrInvalidDefinition},
		{"reserved phase", flow.Spec{ID: "d", Phases: []flow.PhaseSpec{{ID: "setup"}}}, ErrInvalidDefinition},
		{"duplicate phase", flow.Spec{ID: "d", Phases: []flow.PhaseSpec{{ID: "ci"}, {ID: "ci"}}}, ErrInvalidDefinition},
		{"empty phase id", flow.Spec{ID: "d", Phases: []flow.PhaseSpec{{}}}, ErrInvalidDefinition},
		{"bad arg type", flow.Spec{ID: "d", Args: []flow.ArgSpec{{Name: "x", Type: "list"}}}, ErrInvalidDefinition},
		{"bad arg default", flow.Spec{ID: "d", Args: []flow.ArgSpec{{Name: "n", Type: ArgInt, Default: "abc"}}}, ErrInvalidDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSpec(tt.spec)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUnitDefinition(t *testing.T) {
	t.Parallel()
	u := &Unit{
		Spec: flow.Spec{
			ID:     "deploy",
			Phases: []flow.PhaseSpec{{ID: "ci", Name: "CI"}},
			Args:   []flow.ArgSpec{{Name: "env", Required: true}},
		},
		Func:        func(context.Context, flow.Toolkit, flow.Input) error { return nil },
		SourcePath:  "/p/.orc/workflows/deploy.go",
		ContentHash: "abc",
	}
	require.NoError(t, u.Validate())

	d := u.Definition("PRJ-1", db.ScopeProject)
	assert.Equal(t, "deploy", d.Identifier)
	assert.Equal(t, "deploy", d.Name, "name defaults to id")
	assert.Equal(t, db.DefinitionActive, d.Status)
	assert.True(t, d.FileExists)
	assert.Equal(t, []db.DefinitionPhase{{ID: "ci", Name: "CI"}}, d.Phases)

	back := SpecFromDefinition(d)
	assert.Equal(t, []string{"ci"}, back.PhaseIDs())
	assert.True(t, back.Args[0].Required)

	u.Func = nil
	assert.ErrorIs(t, u.Validate(), ErrInvalidDefinition)
}

func TestResolveArgs(t *testing.T) {
	t.Parallel()
	specs := []flow.ArgSpec{
		{Name: "env", Required: true},
		{Name: "count", Type: ArgInt, Default: 2},
		{Name: "ratio", Type: ArgNumber},
		{Name: "dry", Type: ArgBool, Default: false},
	}

	in, err := ResolveArgs(specs, map[string]any{"env": "prod", "count": "5", "ratio": 1})
	require.NoError(t, err)
	assert.Equal(t, flow.Input{"env": "prod", "count": 5, "ratio": 1.0, "dry": false}, in)

	in, err = ResolveArgs(specs, map[string]any{"env": "dev", "count": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, 3, in["count"])

	_, err = ResolveArgs(specs, map[string]any{"count": "x", "extra": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing required arg "env"`)
	assert.Contains(t, err.Error(), `arg "count"`)
	assert.Contains(t, err.Error(), `unknown arg "extra"`)
}

func TestIsCandidateFile(t *testing.T) {
	t.Parallel()
	assert.True(t, IsCandidateFile("deploy.go"))
	assert.True(t, IsCandidateFile("nested/deploy.yaml"))
	assert.True(t, IsCandidateFile("deploy.YML"))
	assert.False(t, IsCandidateFile("deploy_test.go"))
	assert.False(t, IsCandidateFile("_helper.go"))
	assert.False(t, IsCandidateFile(".hidden.yaml"))
	assert.False(t, IsCandidateFile("README.md"))
	assert.Equal(t, SourceGo, KindForPath("a.go"))
	assert.Equal(t, SourceKind(""), KindForPath("a.txt"))
}

const deployYAML = `
id: deploy
name: Deploy
args:
  - name: env
    required: true
steps:
  - id: note
    annotation:
      title: "starting {{ .Args.env }}"
phases:
  - id: ci
    steps:
      - id: build
        cli:
          command: make
          args: ["build", "ENV={{ .Args.env }}"]
          timeout: 2m
  - id: ship
    steps:
      - id: build
        artifact:
          name: report.md
          content: "exit={{ .Phases.ci.build.exit_code }} run={{ .RunID }}"
      - id: commit
        git:
          op: commit
          message: "deploy {{ .Args.env }}"
`

func TestParseDocument(t *testing.T) {
	t.Parallel()
	doc, err := ParseDocument([]byte(deployYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"ci", "ship"}, doc.Spec().PhaseIDs())
	require.NotNil(t, doc.Phases[0].Steps[0].CLI)
	assert.Equal(t, "2m0s", doc.Phases[0].Steps[0].CLI.Timeout.String())

	u := doc.Unit("/p/deploy.yaml", "h")
	assert.Equal(t, SourceYAML, u.Kind)
	assert.NoError(t, u.Validate())
}

func TestParseDocumentErrors(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"no id":         "name: x\n",
		"unknown key":   "id: x\nbogus: 1\n",
		"two kinds":     "id: x\nsteps:\n  - id: a\n    cli: {command: ls}\n    git: {op: status}\n",
		"no kind":       "id: x\nsteps:\n  - id: a\n",
		"dup step":      "id: x\nsteps:\n  - id: a\n    cli: {command: ls}\n  - id: a\n    cli: {command: ls}\n",
		"bad template":  "id: x\nsteps:\n  - id: a\n    cli: {command: \"{{ .Args.x \"}\n",
		"empty phase":   "id: x\nphases:\n  - id: ci\n    steps: []\n",
		"missing op":    "id: x\nsteps:\n  - id: a\n    git: {message: m}\n",
		"reserved name": "id: x\nphases:\n  - id: finalize\n    steps:\n      - id: a\n        cli: {command: ls}\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDocument([]byte(src))
			assert.Error(t, err)
		})
	}

	_, err := ParseDocument([]byte("name: x\n"))
	assert.ErrorIs(t, err, ErrMissingIdentifier)
}

// scriptedToolkit records calls and returns canned results.
type scriptedToolkit struct {
	flow.Toolkit
	phase       string
	calls       []string
	cli         []flow.CLIConfig
	artifacts   []flow.ArtifactConfig
	gits        []flow.GitConfig
	annotations []flow.AnnotationConfig
	failOn      string
}

func (s *scriptedToolkit) RunID() string      { return "RUN-1" }
func (s *scriptedToolkit) WorkingDir() string { return "/work" }

func (s *scriptedToolkit) record(stepID string) error {
	id := stepID
	if s.phase != "" {
		id = s.phase + "-" + stepID
	}
	s.calls = append(s.calls, id)
	if id == s.failOn {
		return errors.New("boom")
	}
	return nil
}

func (s *scriptedToolkit) Phase(ctx context.Context, id string, fn func(context.Context) error) error {
	s.phase = id
	defer func() { s.phase = "" }()
	return fn(ctx)
}

func (s *scriptedToolkit) CLI(_ context.Context, stepID string, cfg flow.CLIConfig) (*flow.CLIResult, error) {
	s.cli = append(s.cli, cfg)
	return &flow.CLIResult{ExitCode: 0, Stdout: "ok"}, s.record(stepID)
}

func (s *scriptedToolkit) Artifact(_ context.Context, stepID string, cfg flow.ArtifactConfig) (*flow.ArtifactResult, error) {
	s.artifacts = append(s.artifacts, cfg)
	return &flow.ArtifactResult{Path: cfg.Name}, s.record(stepID)
}

func (s *scriptedToolkit) Git(_ context.Context, stepID string, cfg flow.GitConfig) (*flow.GitResult, error) {
	s.gits = append(s.gits, cfg)
	return &flow.GitResult{SHA: "abc"}, s.record(stepID)
}

func (s *scriptedToolkit) Annotation(_ context.Context, stepID string, cfg flow.AnnotationConfig) error {
	s.annotations = append(s.annotations, cfg)
	return s.record(stepID)
}

func TestDocumentFunc(t *testing.T) {
	t.Parallel()
	doc, err := ParseDocument([]byte(deployYAML))
	require.NoError(t, err)

	tk := &scriptedToolkit{}
	err = doc.Func()(context.Background(), tk, flow.Input{"env": "prod"})
	require.NoError(t, err)

	assert.Equal(t, []string{"note", "ci-build", "ship-build", "ship-commit"}, tk.calls)
	assert.Equal(t, "starting prod", tk.annotations[0].Title)
	assert.Equal(t, []string{"build", "ENV=prod"}, tk.cli[0].Args)
	assert.Equal(t, "exit=0 run=RUN-1", tk.artifacts[0].Content)
	assert.Equal(t, "deploy prod", tk.gits[0].Message)

	// The document itself is never rendered in place.
	assert.Equal(t, "ENV={{ .Args.env }}", doc.Phases[0].Steps[0].CLI.Args[1])
}

func TestDocumentFuncStopsOnError(t *testing.T) {
	t.Parallel()
	doc, err := ParseDocument([]byte(deployYAML))
	require.NoError(t, err)

	tk := &scriptedToolkit{failOn: "ci-build"}
	err = doc.Func()(context.Background(), tk, flow.Input{"env": "prod"})
	require.Error(t, err)
	assert.Equal(t, []string{"note", "ci-build"}, tk.calls)
}

func TestDocumentFuncMissingArgIsPermanent(t *testing.T) {
	t.Parallel()
	doc, err := ParseDocument([]byte(deployYAML))
	require.NoError(t, err)

	err = doc.Func()(context.Background(), &scriptedToolkit{}, flow.Input{})
	require.Error(t, err)
	assert.True(t, flow.IsPermanent(err))
}

func TestToTemplateValue(t *testing.T) {
	t.Parallel()
	v, err := toTemplateValue(&flow.CLIResult{ExitCode: 3, Stdout: "x"})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, float64(3), m["exit_code"])
	assert.Equal(t, "x", m["stdout"])
}
