package workflow

import (
	"path/filepath"
	"strings"
)

// SourceKind indicates how a workflow file is evaluated.
type SourceKind string

const (
	SourceGo   SourceKind = "go"   // .go file evaluated by the Go interpreter
	SourceYAML SourceKind = "yaml" // declarative .yaml / .yml file
)

// KindForPath returns the source kind for a file name, or "" when the
// extension is not a workflow source.
func KindForPath(path string) SourceKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return SourceGo
	case ".yaml", ".yml":
		return SourceYAML
	default:
		return ""
	}
}

// SourceDisplayName returns a human-readable name for the source kind.
func SourceDisplayName(s SourceKind) string {
	switch s {
	case SourceGo:
		return "Go"
	case SourceYAML:
		return "YAML (declarative)"
	default:
		return string(s)
	}
}

// IsCandidateFile reports whether a file under the workflows directory is
// considered for loading. Hidden files, files starting with an underscore
// and Go test files are skipped.
func IsCandidateFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
		return false
	}
	if strings.HasSuffix(base, "_test.go") {
		return false
	}
	return KindForPath(base) != ""
}
