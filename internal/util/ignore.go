package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureIgnoredDir creates dir with a .gitignore that ignores everything in
// it, so its contents never show up in the enclosing checkout's status. An
// existing .gitignore is left alone.
func EnsureIgnoredDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); err == nil {
		return nil
	}
	if err := os.WriteFile(ignore, []byte("*\n"), 0644); err != nil {
		return fmt.Errorf("write %s: %w", ignore, err)
	}
	return nil
}
