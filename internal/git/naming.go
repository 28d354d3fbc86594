// Package git provides the git primitives the workspace manager builds on.
package git

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxBranchNameLength is the maximum allowed length for branch names.
const MaxBranchNameLength = 256

// DefaultBranchPrefix is prepended to generated worktree branch names.
const DefaultBranchPrefix = "orc/"

// branchNamePattern: alphanumeric, slash, hyphen, underscore, dot; must
// start with alphanumeric.
var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

var (
	sanitizeInvalid = regexp.MustCompile(`[^a-z0-9-]`)
	sanitizeDashes  = regexp.MustCompile(`-+`)
)

// ValidateBranchName checks a branch name for git compatibility and shell
// safety. The error wraps ErrInvalidBranchName.
func ValidateBranchName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: cannot be empty", ErrInvalidBranchName)
	case len(name) > MaxBranchNameLength:
		return fmt.Errorf("%w: exceeds maximum length of %d characters", ErrInvalidBranchName, MaxBranchNameLength)
	case strings.EqualFold(name, "head") || name == "@":
		return fmt.Errorf("%w: '%s' is a reserved name", ErrInvalidBranchName, name)
	case strings.Contains(name, "@{"):
		return fmt.Errorf("%w: cannot contain '@{'", ErrInvalidBranchName)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidBranchName)
	case strings.HasSuffix(name, ".lock"), strings.HasSuffix(name, "."), strings.HasSuffix(name, "/"):
		return fmt.Errorf("%w: cannot end with '.lock', '.' or '/'", ErrInvalidBranchName)
	case strings.Contains(name, "//"), strings.Contains(name, "/."), strings.Contains(name, "./"):
		return fmt.Errorf("%w: malformed path component", ErrInvalidBranchName)
	case !branchNamePattern.MatchString(name):
		return fmt.Errorf("%w: contains invalid characters (allowed: a-z, A-Z, 0-9, /, -, _, .)", ErrInvalidBranchName)
	}
	return nil
}

// SanitizeBranchName turns an arbitrary string into a lowercase,
// filesystem-safe slug ("feat/Add X" -> "feat-add-x").
func SanitizeBranchName(branch string) string {
	safe := strings.ReplaceAll(branch, "/", "-")
	safe = strings.ReplaceAll(safe, " ", "-")
	safe = strings.ToLower(safe)
	safe = sanitizeInvalid.ReplaceAllString(safe, "")
	safe = sanitizeDashes.ReplaceAllString(safe, "-")
	return strings.Trim(safe, "-")
}

// WorktreeBranchName returns the default branch for a named worktree.
func WorktreeBranchName(prefix, name string) string {
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	return prefix + SanitizeBranchName(name)
}
