package vcs

import (
	"context"
	"sort"
	"strings"

	"github.com/Iron-Ham/patchflow/internal/errors"
)

// CLIGateway implements Gateway using git CLI commands.
type CLIGateway struct {
	repoDir  string
	executor CommandExecutor
}

// NewCLIGateway creates a CLIGateway for the repository at repoDir.
func NewCLIGateway(repoDir string) *CLIGateway {
	return &CLIGateway{
		repoDir:  repoDir,
		executor: NewCLICommandExecutor(),
	}
}

// NewCLIGatewayWithExecutor creates a CLIGateway with a custom executor.
// This is primarily useful for testing.
func NewCLIGatewayWithExecutor(repoDir string, executor CommandExecutor) *CLIGateway {
	return &CLIGateway{
		repoDir:  repoDir,
		executor: executor,
	}
}

// FindGitRoot returns the top-level directory of the repository containing dir.
func FindGitRoot(ctx context.Context, dir string) (string, error) {
	return findGitRoot(ctx, NewCLICommandExecutor(), dir)
}

func findGitRoot(ctx context.Context, executor CommandExecutor, dir string) (string, error) {
	output, err := executor.Run(ctx, dir, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return "", errors.NewGitError("failed to locate repository root", errors.ErrNotGitRepository).
			WithRepository(dir).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// Root returns the repository root directory.
func (g *CLIGateway) Root() string {
	return g.repoDir
}

func (g *CLIGateway) git(ctx context.Context, args ...string) (string, error) {
	output, err := g.executor.Run(ctx, g.repoDir, "git", args...)
	return string(output), err
}

// CurrentBranch returns the checked-out branch name.
func (g *CLIGateway) CurrentBranch(ctx context.Context) (string, error) {
	output, err := g.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to read current branch", err).
			WithRepository(g.repoDir).
			WithGitOutput(output)
	}
	branch := strings.TrimSpace(output)
	if branch == "HEAD" {
		return "", errors.NewGitError("HEAD is detached", errors.ErrBranchNotFound).
			WithRepository(g.repoDir)
	}
	return branch, nil
}

// BranchExists reports whether a local branch exists.
func (g *CLIGateway) BranchExists(ctx context.Context, name string) (bool, error) {
	err := g.executor.RunQuiet(ctx, g.repoDir, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return true, nil
}

// CreateBranch creates a branch at startPoint without checking it out.
func (g *CLIGateway) CreateBranch(ctx context.Context, name, startPoint string) error {
	args := []string{"branch", name}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	output, err := g.git(ctx, args...)
	if err != nil {
		return errors.NewGitError("failed to create branch", err).
			WithRepository(g.repoDir).
			WithBranch(name).
			WithGitOutput(output)
	}
	return nil
}

// Checkout switches to an existing branch.
func (g *CLIGateway) Checkout(ctx context.Context, name string) error {
	output, err := g.git(ctx, "checkout", name)
	if err != nil {
		return errors.NewGitError("failed to checkout branch", err).
			WithRepository(g.repoDir).
			WithBranch(name).
			WithGitOutput(output)
	}
	return nil
}

// DeleteBranch removes a local branch.
func (g *CLIGateway) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	output, err := g.git(ctx, "branch", flag, name)
	if err != nil {
		cause := err
		if strings.Contains(output, "not found") {
			cause = errors.ErrBranchNotFound
		}
		return errors.NewGitError("failed to delete branch", cause).
			WithRepository(g.repoDir).
			WithBranch(name).
			WithGitOutput(output)
	}
	return nil
}

// ListBranches returns local branches under prefix/.
func (g *CLIGateway) ListBranches(ctx context.Context, prefix string) ([]string, error) {
	ref := "refs/heads/"
	if prefix != "" {
		ref += strings.TrimSuffix(prefix, "/") + "/"
	}
	output, err := g.git(ctx, "for-each-ref", "--format=%(refname:short)", ref)
	if err != nil {
		return nil, errors.NewGitError("failed to list branches", err).
			WithRepository(g.repoDir).
			WithGitOutput(output)
	}

	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	sort.Strings(branches)
	return branches, nil
}

// HeadCommit returns the commit id of HEAD.
func (g *CLIGateway) HeadCommit(ctx context.Context) (string, error) {
	output, err := g.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to resolve HEAD", err).
			WithRepository(g.repoDir).
			WithGitOutput(output)
	}
	return strings.TrimSpace(output), nil
}

// Status returns the working tree status.
func (g *CLIGateway) Status(ctx context.Context) (*Status, error) {
	output, err := g.git(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, errors.NewGitError("failed to check git status", err).
			WithRepository(g.repoDir).
			WithGitOutput(output)
	}
	return ParseStatus(output), nil
}

// StageAll stages all changes except excluded paths and returns the staged paths.
func (g *CLIGateway) StageAll(ctx context.Context, exclude []string) ([]string, error) {
	args := []string{"add", "-A", "--", "."}
	for _, ex := range exclude {
		args = append(args, ":(exclude)"+ex)
	}
	output, err := g.git(ctx, args...)
	if err != nil {
		return nil, errors.NewGitError("failed to stage changes", err).
			WithRepository(g.repoDir).
			WithGitOutput(output)
	}

	output, err = g.git(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, errors.NewGitError("failed to list staged changes", err).
			WithRepository(g.repoDir).
			WithGitOutput(output)
	}

	var staged []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			staged = append(staged, line)
		}
	}
	sort.Strings(staged)
	return staged, nil
}

// Commit records staged changes with message.
func (g *CLIGateway) Commit(ctx context.Context, message string) (string, error) {
	output, err := g.git(ctx, "commit", "-m", message)
	if err != nil {
		if strings.Contains(output, "nothing to commit") || strings.Contains(output, "no changes added to commit") {
			return "", errors.NewGitError("nothing to commit", errors.ErrNothingToCommit).
				WithRepository(g.repoDir)
		}
		return "", errors.NewGitError("failed to commit changes", err).
			WithRepository(g.repoDir).
			WithGitOutput(output)
	}
	return g.HeadCommit(ctx)
}

// Push pushes branch to remote and sets upstream tracking.
func (g *CLIGateway) Push(ctx context.Context, remote, branch string) error {
	output, err := g.git(ctx, "push", "-u", remote, branch)
	if err != nil {
		if isNonFastForward(output) {
			return errors.NewGitError("push rejected", errors.ErrPushRejected).
				WithRepository(g.repoDir).
				WithBranch(branch).
				WithGitOutput(output)
		}
		return errors.NewGitError("failed to push", err).
			WithRepository(g.repoDir).
			WithBranch(branch).
			WithGitOutput(output).
			WithRetryable(true)
	}
	return nil
}

func isNonFastForward(output string) bool {
	return strings.Contains(output, "non-fast-forward") ||
		strings.Contains(output, "fetch first") ||
		(strings.Contains(output, "[rejected]") && strings.Contains(output, "Updates were rejected"))
}

// Fetch updates remote/branch.
func (g *CLIGateway) Fetch(ctx context.Context, remote, branch string) error {
	output, err := g.git(ctx, "fetch", remote, branch)
	if err != nil {
		return errors.NewGitError("failed to fetch "+remote+"/"+branch, err).
			WithRepository(g.repoDir).
			WithBranch(branch).
			WithGitOutput(output).
			WithRetryable(true)
	}
	return nil
}

// Rebase rebases the current branch onto upstream. On conflicts the rebase is
// left in progress so the caller can inspect ConflictedPaths before aborting.
func (g *CLIGateway) Rebase(ctx context.Context, upstream string) error {
	output, err := g.git(ctx, "rebase", upstream)
	if err != nil {
		if strings.Contains(output, "CONFLICT") || strings.Contains(output, "could not apply") {
			return errors.NewGitError("rebase conflicts detected", errors.ErrMergeConflict).
				WithRepository(g.repoDir).
				WithBranch(upstream).
				WithGitOutput(output)
		}
		return errors.NewGitError("failed to rebase", err).
			WithRepository(g.repoDir).
			WithBranch(upstream).
			WithGitOutput(output)
	}
	return nil
}

// ConflictedPaths lists unmerged paths.
func (g *CLIGateway) ConflictedPaths(ctx context.Context) ([]string, error) {
	output, err := g.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, errors.NewGitError("failed to list conflicted paths", err).
			WithRepository(g.repoDir).
			WithGitOutput(output)
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// AbortRebase aborts an in-progress rebase.
func (g *CLIGateway) AbortRebase(ctx context.Context) error {
	output, err := g.git(ctx, "rebase", "--abort")
	if err != nil {
		return errors.NewGitError("failed to abort rebase", err).
			WithRepository(g.repoDir).
			WithGitOutput(output)
	}
	return nil
}

// ResetHard resets the current branch and tracked files to ref.
func (g *CLIGateway) ResetHard(ctx context.Context, ref string) error {
	output, err := g.git(ctx, "reset", "--hard", ref)
	if err != nil {
		return errors.NewGitError("failed to reset to "+ref, err).
			WithRepository(g.repoDir).
			WithGitOutput(output)
	}
	return nil
}

// StashPush stashes tracked and untracked changes.
func (g *CLIGateway) StashPush(ctx context.Context, message string) (bool, error) {
	output, err := g.git(ctx, "stash", "push", "--include-untracked", "-m", message)
	if err != nil {
		return false, errors.NewGitError("failed to stash changes", err).
			WithRepository(g.repoDir).
			WithGitOutput(output)
	}
	if strings.Contains(output, "No local changes to save") {
		return false, nil
	}
	return true, nil
}

// StashPop re-applies the most recent stash.
func (g *CLIGateway) StashPop(ctx context.Context) error {
	output, err := g.git(ctx, "stash", "pop")
	if err != nil {
		cause := err
		if strings.Contains(output, "CONFLICT") {
			cause = errors.ErrMergeConflict
		}
		return errors.NewGitError("failed to restore stashed changes", cause).
			WithRepository(g.repoDir).
			WithGitOutput(output)
	}
	return nil
}

var _ Gateway = (*CLIGateway)(nil)
