// Package workflow holds the in-memory model of a loaded workflow: the
// executable Unit, its validation, argument handling, and the interpreter
// for declarative YAML workflows.
package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/pkg/flow"
)

// PlaceholderPrefix prefixes the identifier of the definition row that
// records a load failure for a file that never produced an identifier.
const PlaceholderPrefix = "invalid:"

var (
	// ErrMissingIdentifier is returned for a definition without an id.
	ErrMissingIdentifier = errors.New("workflow definition has no id")
	// ErrInvalidDefinition wraps every other validation failure.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Unit is an executable workflow: its static description, its body, and
// where it came from.
type Unit struct {
	Spec        flow.Spec
	Func        flow.Func
	SourcePath  string
	Kind        SourceKind
	ContentHash string
}

// ID returns the workflow identifier.
func (u *Unit) ID() string {
	return u.Spec.ID
}

// Validate checks the unit's spec and that it has a body.
func (u *Unit) Validate() error {
	if err := ValidateSpec(u.Spec); err != nil {
		return err
	}
	if u.Func == nil {
		return fmt.Errorf("%w: %s has no run function", ErrInvalidDefinition, u.Spec.ID)
	}
	return nil
}

// Definition converts the unit into the active definition row for a project.
func (u *Unit) Definition(projectID string, scope db.Scope) *db.WorkflowDefinition {
	name := u.Spec.Name
	if name == "" {
		name = u.Spec.ID
	}
	phases := make([]db.DefinitionPhase, 0, len(u.Spec.Phases))
	for _, p := range u.Spec.Phases {
		phases = append(phases, db.DefinitionPhase{ID: p.ID, Name: p.Name})
	}
	args := make([]db.DefinitionArg, 0, len(u.Spec.Args))
	for _, a := range u.Spec.Args {
		args = append(args, db.DefinitionArg{
			Name:        a.Name,
			Type:        a.Type,
			Required:    a.Required,
			Default:     a.Default,
			Description: a.Description,
		})
	}
	return &db.WorkflowDefinition{
		ProjectID:   projectID,
		Identifier:  u.Spec.ID,
		Name:        name,
		Description: u.Spec.Description,
		Scope:       scope,
		SourcePath:  u.SourcePath,
		Phases:      phases,
		Args:        args,
		Status:      db.DefinitionActive,
		FileExists:  true,
		ContentHash: u.ContentHash,
	}
}

// SpecFromDefinition rebuilds the static spec from a stored definition.
func SpecFromDefinition(d *db.WorkflowDefinition) flow.Spec {
	s := flow.Spec{ID: d.Identifier, Name: d.Name, Description: d.Description}
	for _, p := range d.Phases {
		s.Phases = append(s.Phases, flow.PhaseSpec{ID: p.ID, Name: p.Name})
	}
	for _, a := range d.Args {
		s.Args = append(s.Args, flow.ArgSpec{
			Name:        a.Name,
			Type:        a.Type,
			Required:    a.Required,
			Default:     a.Default,
			Description: a.Description,
		})
	}
	return s
}

// ValidateSpec checks identifier, phase and argument declarations.
func ValidateSpec(s flow.Spec) error {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return ErrMissingIdentifier
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: id %q must start with a letter or digit and contain only letters, digits, '.', '_' or '-'",
			ErrInvalidDefinition, s.ID)
	}

	seen := make(map[string]bool, len(s.Phases))
	for i, p := range s.Phases {
		switch {
		case p.ID == "":
			return fmt.Errorf("%w: %s phase[%d] has no id", ErrInvalidDefinition, id, i)
		case flow.IsReservedPhase(p.ID):
			return fmt.Errorf("%w: %s declares reserved phase %q", ErrInvalidDefinition, id, p.ID)
		case seen[p.ID]:
			return fmt.Errorf("%w: %s declares phase %q twice", ErrInvalidDefinition, id, p.ID)
		}
		seen[p.ID] = true
	}

	if err := validateArgSpecs(s.Args); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, id, err)
	}
	return nil
}
