package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/orcflow/pkg/flow"
)

// Document is a declarative workflow file.
//
//	id: deploy
//	args:
//	  - name: env
//	    required: true
//	phases:
//	  - id: ci
//	    steps:
//	      - id: build
//	        cli: {command: make, args: [build]}
//	      - id: review
//	        agent: {prompt: "Review the build for {{ .Args.env }}"}
//
// String fields of step configs are Go templates evaluated against
// TemplateData. Top-level steps run before the phases.
type Document struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name,omitempty"`
	Description string         `yaml:"description,omitempty"`
	Args        []flow.ArgSpec `yaml:"args,omitempty"`
	Steps       []StepDoc      `yaml:"steps,omitempty"`
	Phases      []PhaseDoc     `yaml:"phases,omitempty"`
}

// PhaseDoc is a phase and the steps it runs, in order.
type PhaseDoc struct {
	ID    string    `yaml:"id"`
	Name  string    `yaml:"name,omitempty"`
	Steps []StepDoc `yaml:"steps"`
}

// StepDoc is one step. Exactly one of the config fields must be set.
type StepDoc struct {
	ID         string                 `yaml:"id"`
	Git        *flow.GitConfig        `yaml:"git,omitempty"`
	CLI        *flow.CLIConfig        `yaml:"cli,omitempty"`
	AI         *flow.AIConfig         `yaml:"ai,omitempty"`
	Agent      *flow.AgentConfig      `yaml:"agent,omitempty"`
	Artifact   *flow.ArtifactConfig   `yaml:"artifact,omitempty"`
	Annotation *flow.AnnotationConfig `yaml:"annotation,omitempty"`
}

// TemplateData is what step templates are evaluated against. Steps holds
// the results of earlier steps by step id; Phases holds them by phase id
// then step id.
type TemplateData struct {
	RunID      string
	WorkingDir string
	Args       flow.Input
	Steps      map[string]any
	Phases     map[string]map[string]any
}

// ParseDocument decodes and validates a declarative workflow. Unknown keys
// are rejected.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Spec returns the static description of the document.
func (d *Document) Spec() flow.Spec {
	s := flow.Spec{ID: d.ID, Name: d.Name, Description: d.Description, Args: d.Args}
	for _, p := range d.Phases {
		s.Phases = append(s.Phases, flow.PhaseSpec{ID: p.ID, Name: p.Name})
	}
	return s
}

// Validate checks the spec plus every step: ids present and unique within
// their phase, exactly one step kind, and templates that parse.
func (d *Document) Validate() error {
	if err := ValidateSpec(d.Spec()); err != nil {
		return err
	}
	if err := validateSteps(d.ID, "", d.Steps); err != nil {
		return err
	}
	for _, p := range d.Phases {
		if len(p.Steps) == 0 {
			return fmt.Errorf("%w: %s phase %q has no steps", ErrInvalidDefinition, d.ID, p.ID)
		}
		if err := validateSteps(d.ID, p.ID, p.Steps); err != nil {
			return err
		}
	}
	return nil
}

func validateSteps(workflowID, phase string, steps []StepDoc) error {
	where := workflowID
	if phase != "" {
		where = workflowID + " phase " + phase
	}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("%w: %s step[%d] has no id", ErrInvalidDefinition, where, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s step %q declared twice", ErrInvalidDefinition, where, s.ID)
		}
		seen[s.ID] = true
		if n := s.kindCount(); n != 1 {
			return fmt.Errorf("%w: %s step %q must set exactly one of git, cli, ai, agent, artifact, annotation (has %d)",
				ErrInvalidDefinition, where, s.ID, n)
		}
		if s.Git != nil && s.Git.Op == "" {
			return fmt.Errorf("%w: %s step %q: git op is required", ErrInvalidDefinition, where, s.ID)
		}
		if s.CLI != nil && s.CLI.Command == "" {
			return fmt.Errorf("%w: %s step %q: cli command is required", ErrInvalidDefinition, where, s.ID)
		}
		c := s.clone()
		for _, f := range c.templated() {
			if _, err := parseTemplate(s.ID, *f); err != nil {
				return fmt.Errorf("%w: %s step %q: %v", ErrInvalidDefinition, where, s.ID, err)
			}
		}
	}
	return nil
}

// Func compiles the document into a workflow body.
func (d *Document) Func() flow.Func {
	return func(ctx context.Context, t flow.Toolkit, in flow.Input) error {
		x := &interpreter{
			toolkit: t,
			data: TemplateData{
				RunID:      t.RunID(),
				WorkingDir: t.WorkingDir(),
				Args:       in,
				Steps:      map[string]any{},
				Phases:     map[string]map[string]any{},
			},
		}
		for _, s := range d.Steps {
			if err := x.step(ctx, "", s); err != nil {
				return err
			}
		}
		for _, p := range d.Phases {
			err := t.Phase(ctx, p.ID, func(ctx context.Context) error {
				for _, s := range p.Steps {
					if err := x.step(ctx, p.ID, s); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
}

// Unit builds the executable unit for the document.
func (d *Document) Unit(sourcePath, contentHash string) *Unit {
	return &Unit{
		Spec:        d.Spec(),
		Func:        d.Func(),
		SourcePath:  sourcePath,
		Kind:        SourceYAML,
		ContentHash: contentHash,
	}
}

type interpreter struct {
	toolkit flow.Toolkit
	data    TemplateData
}

func (x *interpreter) step(ctx context.Context, phase string, s StepDoc) error {
	c, err := x.render(s)
	if err != nil {
		return flow.Permanent(err)
	}

	var result any
	switch {
	case c.Git != nil:
		result, err = x.toolkit.Git(ctx, c.ID, *c.Git)
	case c.CLI != nil:
		result, err = x.toolkit.CLI(ctx, c.ID, *c.CLI)
	case c.AI != nil:
		result, err = x.toolkit.AI(ctx, c.ID, *c.AI)
	case c.Agent != nil:
		result, err = x.toolkit.Agent(ctx, c.ID, *c.Agent)
	case c.Artifact != nil:
		result, err = x.toolkit.Artifact(ctx, c.ID, *c.Artifact)
	case c.Annotation != nil:
		err = x.toolkit.Annotation(ctx, c.ID, *c.Annotation)
	}
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	v, err := toTemplateValue(result)
	if err != nil {
		return fmt.Errorf("step %s: %w", c.ID, err)
	}
	x.data.Steps[c.ID] = v
	if phase != "" {
		if x.data.Phases[phase] == nil {
			x.data.Phases[phase] = map[string]any{}
		}
		x.data.Phases[phase][c.ID] = v
	}
	return nil
}

func (x *interpreter) render(s StepDoc) (StepDoc, error) {
	c := s.clone()
	for _, f := range c.templated() {
		out, err := renderTemplate(s.ID, *f, x.data)
		if err != nil {
			return c, err
		}
		*f = out
	}
	if c.CLI != nil {
		for k, v := range c.CLI.Env {
			out, err := renderTemplate(s.ID, v, x.data)
			if err != nil {
				return c, err
			}
			c.CLI.Env[k] = out
		}
	}
	return c, nil
}

func (s StepDoc) kindCount() int {
	n := 0
	for _, set := range []bool{s.Git != nil, s.CLI != nil, s.AI != nil, s.Agent != nil, s.Artifact != nil, s.Annotation != nil} {
		if set {
			n++
		}
	}
	return n
}

// clone copies the step's config so rendering never mutates the document,
// which is shared by every run of the workflow.
func (s StepDoc) clone() StepDoc {
	c := StepDoc{ID: s.ID}
	if s.Git != nil {
		g := *s.Git
		c.Git = &g
	}
	if s.CLI != nil {
		cl := *s.CLI
		cl.Args = append([]string(nil), s.CLI.Args...)
		if s.CLI.Env != nil {
			cl.Env = make(map[string]string, len(s.CLI.Env))
			for k, v := range s.CLI.Env {
				cl.Env[k] = v
			}
		}
		c.CLI = &cl
	}
	if s.AI != nil {
		a := *s.AI
		c.AI = &a
	}
	if s.Agent != nil {
		a := *s.Agent
		a.AllowedTools = append([]string(nil), s.Agent.AllowedTools...)
		c.Agent = &a
	}
	if s.Artifact != nil {
		a := *s.Artifact
		c.Artifact = &a
	}
	if s.Annotation != nil {
		a := *s.Annotation
		c.Annotation = &a
	}
	return c
}

// templated returns the string fields of a cloned step that are rendered.
// CLI env values are handled separately since map values are not
// addressable.
func (s *StepDoc) templated() []*string {
	var fields []*string
	if g := s.Git; g != nil {
		fields = append(fields, &g.Message, &g.Branch, &g.Base)
	}
	if c := s.CLI; c != nil {
		fields = append(fields, &c.Command, &c.Dir, &c.Stdin)
		for i := range c.Args {
			fields = append(fields, &c.Args[i])
		}
	}
	if a := s.AI; a != nil {
		fields = append(fields, &a.Prompt, &a.System)
	}
	if a := s.Agent; a != nil {
		fields = append(fields, &a.Prompt, &a.System)
	}
	if a := s.Artifact; a != nil {
		fields = append(fields, &a.Name, &a.Content)
	}
	if a := s.Annotation; a != nil {
		fields = append(fields, &a.Title, &a.Body)
	}
	return fields
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"trim": strings.TrimSpace,
	"default": func(def, v any) any {
		if v == nil || v == "" {
			return def
		}
		return v
	},
}

func parseTemplate(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
}

func renderTemplate(name, text string, data TemplateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := parseTemplate(name, text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render step %s: %w", name, err)
	}
	return buf.String(), nil
}

// toTemplateValue converts a step result into plain maps keyed by JSON
// field names, so templates use the same names as stored step output.
func toTemplateValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
