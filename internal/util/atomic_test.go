package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWriteFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "dir", "report.md")

	wf, err := AtomicWriteFile(path, strings.NewReader("hello world"), 0644)
	if err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}
	if wf.Size != 11 {
		t.Errorf("size = %d, want 11", wf.Size)
	}
	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if wf.SHA256 != want {
		t.Errorf("sha256 = %s, want %s", wf.SHA256, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("content mismatch: got %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("permissions mismatch: got %o, want %o", info.Mode().Perm(), 0644)
	}
}

func TestAtomicWriteFile_OverwritesAndLeavesNoTemp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	if _, err := AtomicWriteFile(path, strings.NewReader("first"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := AtomicWriteFile(path, strings.NewReader("second"), 0600); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "second" {
		t.Errorf("got %q, want second", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
}

func TestEnsureIgnoredDir(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), ".orc", "artifacts")

	if err := EnsureIgnoredDir(dir); err != nil {
		t.Fatalf("EnsureIgnoredDir failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "*\n" {
		t.Errorf(".gitignore = %q, want %q", data, "*\n")
	}

	// A user's own ignore file is kept.
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.tmp\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := EnsureIgnoredDir(dir); err != nil {
		t.Fatalf("EnsureIgnoredDir failed: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, ".gitignore"))
	if string(data) != "*.tmp\n" {
		t.Errorf(".gitignore overwritten: %q", data)
	}
}
