// Package errors provides structured error types surfaced by the CLI and API.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

const (
	// Definition errors
	CodeDefinitionNotFound Code = "DEFINITION_NOT_FOUND"
	CodeDefinitionInvalid  Code = "DEFINITION_INVALID"
	CodeDefinitionArchived Code = "DEFINITION_ARCHIVED"
	CodeArgsInvalid        Code = "ARGS_INVALID"

	// Run errors
	CodeRunNotFound     Code = "RUN_NOT_FOUND"
	CodeRunInvalidState Code = "RUN_INVALID_STATE"
	CodePhaseUnknown    Code = "PHASE_UNKNOWN"
	CodeStepTimeout     Code = "STEP_TIMEOUT"

	// Workspace / git errors
	CodeWorkspaceSetupFailed Code = "WORKSPACE_SETUP_FAILED"
	CodeGitBranchExists      Code = "GIT_BRANCH_EXISTS"
	CodeGitInvalidBranch     Code = "GIT_INVALID_BRANCH"

	// Config / project errors
	CodeConfigInvalid   Code = "CONFIG_INVALID"
	CodeProjectNotFound Code = "PROJECT_NOT_FOUND"
	CodeProjectInvalid  Code = "PROJECT_INVALID"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
)

var codeCategories = map[Code]Category{
	CodeDefinitionNotFound:   CategoryNotFound,
	CodeDefinitionInvalid:    CategoryBadRequest,
	CodeDefinitionArchived:   CategoryConflict,
	CodeArgsInvalid:          CategoryBadRequest,
	CodeRunNotFound:          CategoryNotFound,
	CodeRunInvalidState:      CategoryConflict,
	CodePhaseUnknown:         CategoryBadRequest,
	CodeStepTimeout:          CategoryTimeout,
	CodeWorkspaceSetupFailed: CategoryInternal,
	CodeGitBranchExists:      CategoryConflict,
	CodeGitInvalidBranch:     CategoryBadRequest,
	CodeConfigInvalid:        CategoryBadRequest,
	CodeProjectNotFound:      CategoryNotFound,
	CodeProjectInvalid:       CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	default:
		return 500
	}
}

// OrcError is the structured error type.
type OrcError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *OrcError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *OrcError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *OrcError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *OrcError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *OrcError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *OrcError) MarshalJSON() ([]byte, error) {
	type alias OrcError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an OrcError with the same code.
func (e *OrcError) Is(target error) bool {
	t, ok := target.(*OrcError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *OrcError) WithCause(err error) *OrcError {
	cp := *e
	cp.Cause = err
	return &cp
}

// --- Error constructors ---

// ErrDefinitionNotFound is returned when no active definition matches.
func ErrDefinitionNotFound(projectID, id string) *OrcError {
	scope := "project " + projectID
	if projectID == "" {
		scope = "the global workflow directory"
	}
	return &OrcError{
		Code: CodeDefinitionNotFound,
		What: fmt.Sprintf("workflow %q not found", id),
		Why:  fmt.Sprintf("No loaded definition with this id exists in %s", scope),
		Fix:  "Run 'orcflow definitions' to list loaded workflows, or 'orcflow reload' after adding the file",
	}
}

// ErrDefinitionArchived is returned when triggering an archived definition.
func ErrDefinitionArchived(id, loadErr string) *OrcError {
	why := "The definition file was removed or failed to load"
	if loadErr != "" {
		why = loadErr
	}
	return &OrcError{
		Code: CodeDefinitionArchived,
		What: fmt.Sprintf("workflow %q is archived", id),
		Why:  why,
		Fix:  "Restore or fix the workflow file under .orc/workflows, then run 'orcflow reload'",
	}
}

// ErrDefinitionInvalid is returned for a definition that fails validation.
func ErrDefinitionInvalid(path, reason string) *OrcError {
	return &OrcError{
		Code: CodeDefinitionInvalid,
		What: fmt.Sprintf("invalid workflow definition in %s", path),
		Why:  reason,
		Fix:  "Fix the file and run 'orcflow scan' to check it",
	}
}

// ErrArgsInvalid is returned when run arguments do not match the schema.
func ErrArgsInvalid(id, reason string) *OrcError {
	return &OrcError{
		Code: CodeArgsInvalid,
		What: fmt.Sprintf("invalid arguments for workflow %q", id),
		Why:  reason,
		Fix:  "Check the workflow's declared args with 'orcflow definitions'",
	}
}

// ErrRunNotFound returns an error when a run doesn't exist.
func ErrRunNotFound(id string) *OrcError {
	return &OrcError{
		Code: CodeRunNotFound,
		What: fmt.Sprintf("run %s not found", id),
		Why:  "No workflow run with this ID exists",
		Fix:  "Run 'orcflow runs list' to see recent runs",
	}
}

// ErrRunInvalidState returns an error when a run cannot make a transition.
func ErrRunInvalidState(id, current, target string) *OrcError {
	return &OrcError{
		Code: CodeRunInvalidState,
		What: fmt.Sprintf("run %s cannot move from '%s' to '%s'", id, current, target),
		Why:  "The requested transition is not allowed from the current status",
	}
}

// ErrPhaseUnknown is returned when a workflow enters an undeclared phase.
func ErrPhaseUnknown(phase string, declared []string) *OrcError {
	return &OrcError{
		Code: CodePhaseUnknown,
		What: fmt.Sprintf("phase %q is not declared by this workflow", phase),
		Why:  fmt.Sprintf("Declared phases: %s", strings.Join(declared, ", ")),
		Fix:  "Add the phase to the workflow's phases list",
	}
}

// ErrStepTimeout is returned when a step exceeds its deadline.
func ErrStepTimeout(step, duration string) *OrcError {
	return &OrcError{
		Code: CodeStepTimeout,
		What: fmt.Sprintf("step %s timed out", step),
		Why:  fmt.Sprintf("No result after %s", duration),
		Fix:  "Increase the step timeout in config or the step's own timeout",
	}
}

// ErrWorkspaceSetup wraps an unclassified workspace setup failure.
func ErrWorkspaceSetup(cause error) *OrcError {
	return &OrcError{
		Code:  CodeWorkspaceSetupFailed,
		What:  "workspace setup failed",
		Cause: cause,
	}
}

// ErrGitBranchExists returns an error when branch already exists.
func ErrGitBranchExists(branch string) *OrcError {
	return &OrcError{
		Code: CodeGitBranchExists,
		What: fmt.Sprintf("branch '%s' already exists", branch),
		Why:  "The workspace could not create the run branch because a branch with that name exists",
		Fix:  fmt.Sprintf("Delete it with 'git branch -D %s' or choose a different branch name", branch),
	}
}

// ErrGitInvalidBranch returns an error for a branch name git rejects.
func ErrGitInvalidBranch(branch string) *OrcError {
	return &OrcError{
		Code: CodeGitInvalidBranch,
		What: fmt.Sprintf("invalid branch name '%s'", branch),
		Why:  "Branch names cannot contain spaces, '..', '~', '^', ':', '?', '*', '[' or '\\'",
		Fix:  "Use a name like 'feat/my-change'",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *OrcError {
	return &OrcError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check ~/.orc/config.yaml (or the ORC_* environment) and fix the invalid field",
	}
}

// ErrProjectNotFound is returned for an unregistered project.
func ErrProjectNotFound(ref string) *OrcError {
	return &OrcError{
		Code: CodeProjectNotFound,
		What: fmt.Sprintf("project %s not found", ref),
		Why:  "The project is not registered",
		Fix:  "Register it with 'orcflow project add <path>'",
	}
}

// ErrProjectInvalid is returned when a path cannot be registered.
func ErrProjectInvalid(path, reason string) *OrcError {
	return &OrcError{
		Code: CodeProjectInvalid,
		What: fmt.Sprintf("cannot register project %s", path),
		Why:  reason,
		Fix:  "Pass the path of an existing project directory",
	}
}

// AsOrcError returns the first OrcError in err's chain, or nil.
func AsOrcError(err error) *OrcError {
	var orcErr *OrcError
	if stderrors.As(err, &orcErr) {
		return orcErr
	}
	return nil
}

// Wrap wraps a generic error into an OrcError with unknown code.
func Wrap(err error, what string) *OrcError {
	return &OrcError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
