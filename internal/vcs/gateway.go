// Package vcs wraps the version-control primitives a patch session needs:
// branch management, status, staging, commit, push, fetch, rebase, reset
// and stash.
//
// Gateway is the seam between the orchestrator and git. CLIGateway shells out
// to the git binary; vcstest.Fake is an in-memory implementation for tests.
// All operations act on a single working tree and are synchronous.
package vcs

import (
	"context"
	"path"
	"sort"
	"strings"
)

// Gateway is the set of version-control operations used by patchflow.
type Gateway interface {
	// Root returns the repository root directory.
	Root() string

	// CurrentBranch returns the checked-out branch name.
	CurrentBranch(ctx context.Context) (string, error)
	// BranchExists reports whether a local branch with this name exists.
	BranchExists(ctx context.Context, name string) (bool, error)
	// CreateBranch creates name at startPoint (HEAD when empty) without checking it out.
	CreateBranch(ctx context.Context, name, startPoint string) error
	// Checkout switches the working tree to an existing branch.
	Checkout(ctx context.Context, name string) error
	// DeleteBranch removes a local branch. force allows deleting unmerged work.
	DeleteBranch(ctx context.Context, name string, force bool) error
	// ListBranches returns local branches under prefix/ in sorted order.
	ListBranches(ctx context.Context, prefix string) ([]string, error)

	// HeadCommit returns the full commit id of HEAD.
	HeadCommit(ctx context.Context) (string, error)
	// Status returns the porcelain status of the working tree.
	Status(ctx context.Context) (*Status, error)
	// StageAll stages every change under the root except the excluded paths and
	// returns the staged paths.
	StageAll(ctx context.Context, exclude []string) ([]string, error)
	// Commit records the staged changes and returns the new commit id.
	// It returns ErrNothingToCommit when nothing is staged.
	Commit(ctx context.Context, message string) (string, error)

	// Push publishes branch to remote. Non-fast-forward rejections wrap ErrPushRejected.
	Push(ctx context.Context, remote, branch string) error
	// Fetch updates remote/branch from remote.
	Fetch(ctx context.Context, remote, branch string) error
	// Rebase replays local commits onto upstream. Content conflicts wrap
	// ErrMergeConflict and leave the rebase in progress.
	Rebase(ctx context.Context, upstream string) error
	// ConflictedPaths lists unmerged paths of an in-progress rebase.
	ConflictedPaths(ctx context.Context) ([]string, error)
	// AbortRebase restores the pre-rebase state.
	AbortRebase(ctx context.Context) error

	// ResetHard restores tracked files and the branch tip to ref. Untracked
	// files are left in place.
	ResetHard(ctx context.Context, ref string) error
	// StashPush stashes tracked and untracked changes. It reports false when
	// there was nothing to stash.
	StashPush(ctx context.Context, message string) (bool, error)
	// StashPop re-applies and drops the most recent stash.
	StashPop(ctx context.Context) error
}

// FileStatus is one entry of `git status --porcelain`.
type FileStatus struct {
	// Index is the staged status code (X column).
	Index byte
	// Worktree is the unstaged status code (Y column).
	Worktree byte
	// Path is the repository-relative path (the new path for renames).
	Path string
}

// Untracked reports whether the entry is an untracked file.
func (f FileStatus) Untracked() bool {
	return f.Index == '?' && f.Worktree == '?'
}

// Status is the parsed working tree status.
type Status struct {
	Entries []FileStatus
}

// Clean reports whether there are no changes at all, untracked files included.
func (s *Status) Clean() bool {
	return s == nil || len(s.Entries) == 0
}

// Paths returns every path in the status, sorted.
func (s *Status) Paths() []string {
	if s == nil {
		return nil
	}
	paths := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		paths = append(paths, e.Path)
	}
	sort.Strings(paths)
	return paths
}

// UntrackedPaths returns the untracked paths, sorted.
func (s *Status) UntrackedPaths() []string {
	if s == nil {
		return nil
	}
	var paths []string
	for _, e := range s.Entries {
		if e.Untracked() {
			paths = append(paths, e.Path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Excluding returns a copy of the status without entries under any of the
// given repository-relative paths.
func (s *Status) Excluding(excluded []string) *Status {
	out := &Status{}
	if s == nil {
		return out
	}
	for _, e := range s.Entries {
		if !IsExcluded(e.Path, excluded) {
			out.Entries = append(out.Entries, e)
		}
	}
	return out
}

// IsExcluded reports whether p equals, or lies beneath, one of excluded.
func IsExcluded(p string, excluded []string) bool {
	p = path.Clean(strings.TrimSuffix(p, "/"))
	for _, ex := range excluded {
		ex = path.Clean(strings.TrimSuffix(ex, "/"))
		if ex == "." || ex == "" {
			continue
		}
		if p == ex || strings.HasPrefix(p, ex+"/") {
			return true
		}
	}
	return false
}

// ParseStatus parses `git status --porcelain` (v1) output.
func ParseStatus(output string) *Status {
	st := &Status{}
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		p := line[3:]
		// Renames and copies are reported as "old -> new".
		if idx := strings.Index(p, " -> "); idx >= 0 {
			p = p[idx+4:]
		}
		p = strings.Trim(p, `"`)
		st.Entries = append(st.Entries, FileStatus{
			Index:    line[0],
			Worktree: line[1],
			Path:     strings.TrimSuffix(p, "/"),
		})
	}
	return st
}
