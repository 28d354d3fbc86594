package git

import "strings"

// StatusEntry is one line of `git status --porcelain`.
type StatusEntry struct {
	// Code is the two-character XY status (e.g. " M", "??", "A ").
	Code string
	Path string
}

// Status is the parsed working tree status.
type Status struct {
	Entries []StatusEntry
}

// Clean reports whether there is nothing to commit.
func (s *Status) Clean() bool {
	return len(s.Entries) == 0
}

// Untracked returns the paths git does not track yet.
func (s *Status) Untracked() []string {
	var out []string
	for _, e := range s.Entries {
		if e.Code == "??" {
			out = append(out, e.Path)
		}
	}
	return out
}

// ParseStatus parses porcelain v1 output.
func ParseStatus(out string) *Status {
	st := &Status{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		// Renames are reported as "old -> new".
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		st.Entries = append(st.Entries, StatusEntry{Code: line[:2], Path: strings.Trim(path, `"`)})
	}
	return st
}
