// Package testutil provides temporary git repositories for patchflow tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository on branch main with one
// commit containing README.md. It is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	MustGit(t, dir, "init")
	MustGit(t, dir, "config", "user.email", "test@patchflow.dev")
	MustGit(t, dir, "config", "user.name", "Patchflow Test")
	MustGit(t, dir, "config", "commit.gpgsign", "false")

	WriteFile(t, dir, "README.md", "# Test Repository\n")
	MustGit(t, dir, "add", ".")
	MustGit(t, dir, "commit", "-m", "Initial commit")

	// Some systems default to master.
	MustGit(t, dir, "branch", "-M", "main")

	return dir
}

// SetupTestRepoWithContent creates a test repository and commits files on top
// of the initial commit. Keys are repository-relative paths.
func SetupTestRepoWithContent(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := SetupTestRepo(t)
	for path, content := range files {
		WriteFile(t, dir, path, content)
	}
	MustGit(t, dir, "add", ".")
	MustGit(t, dir, "commit", "-m", "Add test files")

	return dir
}

// SetupTestRepoWithRemote creates a test repository whose origin is a bare
// repository, with main already pushed.
func SetupTestRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()

	remoteDir = t.TempDir()
	MustGit(t, remoteDir, "init", "--bare")
	MustGit(t, remoteDir, "symbolic-ref", "HEAD", "refs/heads/main")

	repoDir = SetupTestRepo(t)
	MustGit(t, repoDir, "remote", "add", "origin", remoteDir)
	MustGit(t, repoDir, "push", "-u", "origin", "main")

	return repoDir, remoteDir
}

// CloneRepo clones remoteDir into a new temporary directory. It stands in for
// a second contributor pushing to the same remote.
func CloneRepo(t *testing.T, remoteDir string) string {
	t.Helper()

	dir := t.TempDir()
	MustGit(t, dir, "clone", remoteDir, ".")
	MustGit(t, dir, "config", "user.email", "other@patchflow.dev")
	MustGit(t, dir, "config", "user.name", "Other Contributor")
	MustGit(t, dir, "config", "commit.gpgsign", "false")
	return dir
}

// WriteFile creates or overwrites a file relative to repoDir.
func WriteFile(t *testing.T, repoDir, path, content string) {
	t.Helper()

	fullPath := filepath.Join(repoDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// ReadFile reads a file relative to repoDir.
func ReadFile(t *testing.T, repoDir, path string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(repoDir, path))
	if err != nil {
		t.Fatalf("failed to read file %s: %v", path, err)
	}
	return string(data)
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	WriteFile(t, repoDir, path, content)
	MustGit(t, repoDir, "add", path)
	MustGit(t, repoDir, "commit", "-m", message)
}

// CreateBranch creates a new branch in the repository.
func CreateBranch(t *testing.T, repoDir, branch string) {
	t.Helper()
	MustGit(t, repoDir, "branch", branch)
}

// CheckoutBranch switches to a branch.
func CheckoutBranch(t *testing.T, repoDir, branch string) {
	t.Helper()
	MustGit(t, repoDir, "checkout", branch)
}

// GetCurrentBranch returns the current branch name.
func GetCurrentBranch(t *testing.T, repoDir string) string {
	t.Helper()
	return MustGit(t, repoDir, "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadCommit returns the commit id of HEAD.
func HeadCommit(t *testing.T, repoDir string) string {
	t.Helper()
	return MustGit(t, repoDir, "rev-parse", "HEAD")
}

// BranchExists reports whether a local branch exists.
func BranchExists(t *testing.T, repoDir, branch string) bool {
	t.Helper()
	return runGit(repoDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch) == nil
}

// RemoteBranchHead returns the commit id of branch in a bare remote, or ""
// when the branch does not exist there.
func RemoteBranchHead(t *testing.T, remoteDir, branch string) string {
	t.Helper()

	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = remoteDir
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// StatusPorcelain returns `git status --porcelain` output.
func StatusPorcelain(t *testing.T, repoDir string) string {
	t.Helper()
	return MustGit(t, repoDir, "status", "--porcelain", "--untracked-files=all")
}

// HasUncommittedChanges returns true if the repository has uncommitted changes.
func HasUncommittedChanges(t *testing.T, repoDir string) bool {
	t.Helper()
	return StatusPorcelain(t, repoDir) != ""
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

// MustGit runs git in dir and returns its trimmed output, failing the test on error.
func MustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	output, err := gitOutput(dir, args...)
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(output)
}

func runGit(dir string, args ...string) error {
	_, err := gitOutput(dir, args...)
	return err
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Patchflow Test",
		"GIT_AUTHOR_EMAIL=test@patchflow.dev",
		"GIT_COMMITTER_NAME=Patchflow Test",
		"GIT_COMMITTER_EMAIL=test@patchflow.dev",
		"GIT_TERMINAL_PROMPT=0",
	)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
