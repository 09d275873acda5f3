//go:build integration

package vcs

import (
	"context"
	"reflect"
	"testing"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/testutil"
)

func TestCLIGateway_Integration_BranchLifecycle(t *testing.T) {
	testutil.SkipIfNoGit(t)
	ctx := context.Background()
	dir := testutil.SetupTestRepo(t)
	g := NewCLIGateway(dir)

	branch, err := g.CurrentBranch(ctx)
	if err != nil || branch != "main" {
		t.Fatalf("CurrentBranch() = %q, %v", branch, err)
	}

	if err := g.CreateBranch(ctx, "patch/one", "main"); err != nil {
		t.Fatal(err)
	}
	if err := g.CreateBranch(ctx, "other", ""); err != nil {
		t.Fatal(err)
	}
	exists, err := g.BranchExists(ctx, "patch/one")
	if err != nil || !exists {
		t.Fatalf("BranchExists() = %v, %v", exists, err)
	}

	branches, err := g.ListBranches(ctx, "patch")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(branches, []string{"patch/one"}) {
		t.Errorf("ListBranches() = %v", branches)
	}

	if err := g.Checkout(ctx, "patch/one"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.GetCurrentBranch(t, dir); got != "patch/one" {
		t.Errorf("current branch = %q", got)
	}

	if err := g.DeleteBranch(ctx, "other", false); err != nil {
		t.Fatal(err)
	}
	if err := g.DeleteBranch(ctx, "missing", true); !errors.Is(err, errors.ErrBranchNotFound) {
		t.Errorf("DeleteBranch(missing) error = %v, want ErrBranchNotFound", err)
	}
}

func TestCLIGateway_Integration_StageCommitReset(t *testing.T) {
	testutil.SkipIfNoGit(t)
	ctx := context.Background()
	dir := testutil.SetupTestRepo(t)
	g := NewCLIGateway(dir)

	snapshot, err := g.HeadCommit(ctx)
	if err != nil {
		t.Fatal(err)
	}

	testutil.WriteFile(t, dir, "README.md", "changed\n")
	testutil.WriteFile(t, dir, "new.txt", "new\n")
	testutil.WriteFile(t, dir, ".patchflow/logs/patchflow.log", "{}\n")

	st, err := g.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := st.Excluding([]string{".patchflow"}).Paths(); !reflect.DeepEqual(got, []string{"README.md", "new.txt"}) {
		t.Errorf("Status().Paths() = %v", got)
	}

	staged, err := g.StageAll(ctx, []string{".patchflow"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(staged, []string{"README.md", "new.txt"}) {
		t.Errorf("StageAll() = %v", staged)
	}

	sha, err := g.Commit(ctx, "change things")
	if err != nil {
		t.Fatal(err)
	}
	if sha == snapshot || sha != testutil.HeadCommit(t, dir) {
		t.Errorf("Commit() sha = %q", sha)
	}

	if _, err := g.StageAll(ctx, []string{".patchflow"}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Commit(ctx, "again"); !errors.Is(err, errors.ErrNothingToCommit) {
		t.Errorf("second Commit() error = %v, want ErrNothingToCommit", err)
	}

	if err := g.ResetHard(ctx, snapshot); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ReadFile(t, dir, "README.md"); got != "# Test Repository\n" {
		t.Errorf("README.md after reset = %q", got)
	}
}

func TestCLIGateway_Integration_PushRejectedAndRebaseConflict(t *testing.T) {
	testutil.SkipIfNoGit(t)
	ctx := context.Background()
	repo, remote := testutil.SetupTestRepoWithRemote(t)
	g := NewCLIGateway(repo)

	other := testutil.CloneRepo(t, remote)
	testutil.CommitFile(t, other, "README.md", "theirs\n", "their change")
	testutil.MustGit(t, other, "push", "origin", "main")

	testutil.CommitFile(t, repo, "README.md", "ours\n", "our change")

	err := g.Push(ctx, "origin", "main")
	if !errors.Is(err, errors.ErrPushRejected) {
		t.Fatalf("Push() error = %v, want ErrPushRejected", err)
	}

	if err := g.Fetch(ctx, "origin", "main"); err != nil {
		t.Fatal(err)
	}
	err = g.Rebase(ctx, "origin/main")
	if !errors.Is(err, errors.ErrMergeConflict) {
		t.Fatalf("Rebase() error = %v, want ErrMergeConflict", err)
	}

	paths, err := g.ConflictedPaths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(paths, []string{"README.md"}) {
		t.Errorf("ConflictedPaths() = %v", paths)
	}
	if err := g.AbortRebase(ctx); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ReadFile(t, repo, "README.md"); got != "ours\n" {
		t.Errorf("README.md after abort = %q", got)
	}
}

func TestCLIGateway_Integration_Stash(t *testing.T) {
	testutil.SkipIfNoGit(t)
	ctx := context.Background()
	dir := testutil.SetupTestRepo(t)
	g := NewCLIGateway(dir)

	saved, err := g.StashPush(ctx, "nothing")
	if err != nil || saved {
		t.Fatalf("StashPush() on clean tree = %v, %v", saved, err)
	}

	testutil.WriteFile(t, dir, "wip.txt", "wip\n")
	saved, err = g.StashPush(ctx, "patchflow: preserve")
	if err != nil || !saved {
		t.Fatalf("StashPush() = %v, %v", saved, err)
	}
	if testutil.HasUncommittedChanges(t, dir) {
		t.Error("tree should be clean after stash")
	}

	if err := g.StashPop(ctx); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ReadFile(t, dir, "wip.txt"); got != "wip\n" {
		t.Errorf("wip.txt = %q", got)
	}
}

func TestFindGitRoot_Integration(t *testing.T) {
	testutil.SkipIfNoGit(t)
	dir := testutil.SetupTestRepo(t)

	if _, err := FindGitRoot(context.Background(), t.TempDir()); !errors.Is(err, errors.ErrNotGitRepository) {
		t.Errorf("FindGitRoot(non-repo) error = %v", err)
	}
	root, err := FindGitRoot(context.Background(), dir)
	if err != nil || root == "" {
		t.Errorf("FindGitRoot() = %q, %v", root, err)
	}
}
