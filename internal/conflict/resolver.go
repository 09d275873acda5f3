// Package conflict reconciles a local branch with its remote before pushing.
//
// The resolver makes one plain push attempt. When the remote rejects it as a
// non-fast-forward, it fetches the remote branch, rebases the local commits on
// top and pushes exactly once more. Content conflicts are never resolved
// automatically: the rebase is aborted and the conflicting paths are reported.
package conflict

import (
	"context"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/logging"
	"github.com/Iron-Ham/patchflow/internal/vcs"
)

// PushResult describes how a push completed.
type PushResult struct {
	Branch string
	Remote string
	// Attempts is the number of push attempts made (1 or 2).
	Attempts int
	// Rebased is true when local commits were replayed onto the remote tip.
	Rebased bool
}

// Resolver pushes branches, rebasing once on non-fast-forward rejection.
type Resolver struct {
	git    vcs.Gateway
	logger *logging.Logger
}

// NewResolver creates a Resolver. A nil logger discards output.
func NewResolver(git vcs.Gateway, logger *logging.Logger) *Resolver {
	return &Resolver{
		git:    git,
		logger: logging.OrNop(logger).WithComponent("conflict"),
	}
}

// PushWithResolution pushes branch to remote.
//
// Errors:
//   - a ConflictError (wrapping ErrMergeConflict) when the rebase hits content
//     conflicts; the rebase has been aborted and the tree is as before
//   - the second push error when the remote moved again after the rebase
//   - any other push, fetch or rebase error unchanged
func (r *Resolver) PushWithResolution(ctx context.Context, branch, remote string) (*PushResult, error) {
	result := &PushResult{Branch: branch, Remote: remote, Attempts: 1}

	err := r.git.Push(ctx, remote, branch)
	if err == nil {
		r.logger.Info("pushed", "branch", branch, "remote", remote)
		return result, nil
	}
	if !errors.Is(err, errors.ErrPushRejected) {
		return result, err
	}

	r.logger.Warn("push rejected as non-fast-forward, rebasing onto remote",
		"branch", branch,
		"remote", remote,
	)

	if err := r.git.Fetch(ctx, remote, branch); err != nil {
		return result, err
	}

	upstream := remote + "/" + branch
	if err := r.git.Rebase(ctx, upstream); err != nil {
		if !errors.Is(err, errors.ErrMergeConflict) {
			return result, err
		}
		return result, r.abortWithConflict(ctx, branch)
	}
	result.Rebased = true

	result.Attempts++
	if err := r.git.Push(ctx, remote, branch); err != nil {
		r.logger.Error("push failed after rebase", "branch", branch, "error", err)
		return result, err
	}

	r.logger.Info("pushed after rebase", "branch", branch, "remote", remote)
	return result, nil
}

func (r *Resolver) abortWithConflict(ctx context.Context, branch string) error {
	paths, pathErr := r.git.ConflictedPaths(ctx)
	if pathErr != nil {
		r.logger.Warn("failed to list conflicted paths", "branch", branch, "error", pathErr)
	}

	conflictErr := errors.NewConflictError(branch, paths)
	if abortErr := r.git.AbortRebase(ctx); abortErr != nil {
		r.logger.Error("failed to abort rebase", "branch", branch, "error", abortErr)
		return errors.Join(conflictErr, abortErr)
	}

	r.logger.Warn("rebase conflicts, aborted", "branch", branch, "paths", paths)
	return conflictErr
}
