// Package testutil provides helpers for tests that need a real git repository
// with a .orc/workflows directory.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// TestRepo is a temporary git repository on branch main with one commit.
type TestRepo struct {
	t            testing.TB
	RootDir      string
	OrcDir       string
	WorkflowsDir string
}

// SetupTestRepo creates a temporary git repository with an initial commit
// and an empty .orc/workflows directory. It is removed when the test ends.
func SetupTestRepo(t testing.TB) *TestRepo {
	t.Helper()

	// Resolve symlinks so paths compare equal to what git reports (macOS /var).
	tmpDir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}

	r := &TestRepo{
		t:            t,
		RootDir:      tmpDir,
		OrcDir:       filepath.Join(tmpDir, ".orc"),
		WorkflowsDir: filepath.Join(tmpDir, ".orc", "workflows"),
	}

	r.Git("init", "--initial-branch=main")
	r.Git("config", "user.email", "test@example.com")
	r.Git("config", "user.name", "Test User")
	r.Git("config", "commit.gpgsign", "false")

	r.WriteFile("README.md", "# Test Project\n")
	r.Git("add", ".")
	r.Git("commit", "-m", "Initial commit")

	if err := os.MkdirAll(r.WorkflowsDir, 0755); err != nil {
		t.Fatalf("create workflows dir: %v", err)
	}
	return r
}

// Git runs a git command in the repository root and returns trimmed output.
func (r *TestRepo) Git(args ...string) string {
	r.t.Helper()
	return RunGit(r.t, r.RootDir, args...)
}

// RunGit runs a git command in dir and fails the test on error.
func RunGit(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// CurrentBranch returns the branch checked out in the main worktree.
func (r *TestRepo) CurrentBranch() string {
	r.t.Helper()
	return r.Git("rev-parse", "--abbrev-ref", "HEAD")
}

// WriteFile writes content to a path relative to the repository root.
func (r *TestRepo) WriteFile(rel, content string) string {
	r.t.Helper()
	path := filepath.Join(r.RootDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		r.t.Fatalf("create dir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		r.t.Fatalf("write %s: %v", rel, err)
	}
	return path
}

// WriteWorkflow writes a file under .orc/workflows and returns its path.
func (r *TestRepo) WriteWorkflow(name, content string) string {
	r.t.Helper()
	return r.WriteFile(filepath.Join(".orc", "workflows", name), content)
}

// RemoveWorkflow deletes a file under .orc/workflows.
func (r *TestRepo) RemoveWorkflow(name string) {
	r.t.Helper()
	if err := os.Remove(filepath.Join(r.WorkflowsDir, name)); err != nil {
		r.t.Fatalf("remove workflow %s: %v", name, err)
	}
}

// CommitAll stages and commits everything.
func (r *TestRepo) CommitAll(message string) {
	r.t.Helper()
	r.Git("add", "-A")
	r.Git("commit", "-m", message)
}

// WriteYAML marshals data into a YAML file.
func WriteYAML(t testing.TB, path string, data any) {
	t.Helper()

	bytes, err := yaml.Marshal(data)
	if err != nil {
		t.Fatalf("marshal YAML: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("create dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, bytes, 0644); err != nil {
		t.Fatalf("write YAML file %s: %v", path, err)
	}
}

// AssertBranchExists checks that a git branch exists.
func AssertBranchExists(t testing.TB, repoDir, branchName string) {
	t.Helper()

	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branchName)
	cmd.Dir = repoDir
	if err := cmd.Run(); err != nil {
		t.Errorf("branch %s does not exist", branchName)
	}
}

// AssertPathMissing checks that nothing exists at path.
func AssertPathMissing(t testing.TB, path string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		t.Errorf("expected %s to be gone", path)
	}
}

// MinimalWorkflow returns a valid declarative workflow with a single phase
// containing one annotation step.
func MinimalWorkflow(id string) string {
	return "id: " + id + "\n" +
		"phases:\n" +
		"  - id: main\n" +
		"    steps:\n" +
		"      - id: note\n" +
		"        annotation: {title: \"" + id + " ran\"}\n"
}
