package conflict

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/vcs/vcstest"
)

// newBranchWithCommit returns a fake on patch/x with one local commit that
// has already been pushed.
func newBranchWithCommit(t *testing.T) *vcstest.Fake {
	t.Helper()
	ctx := context.Background()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/README.md", []byte("hello\n"), 0o644))
	f := vcstest.NewFake(fs, "/repo")

	require.NoError(t, f.CreateBranch(ctx, "patch/x", "main"))
	require.NoError(t, f.Checkout(ctx, "patch/x"))
	commit(t, f, "a.txt", "one\n", "first")
	require.NoError(t, f.Push(ctx, "origin", "patch/x"))
	return f
}

func commit(t *testing.T, f *vcstest.Fake, path, content, msg string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.WriteFile(path, content))
	_, err := f.StageAll(ctx, nil)
	require.NoError(t, err)
	_, err = f.Commit(ctx, msg)
	require.NoError(t, err)
}

func TestPushWithResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("plain push", func(t *testing.T) {
		f := newBranchWithCommit(t)
		commit(t, f, "a.txt", "two\n", "second")

		res, err := NewResolver(f, nil).PushWithResolution(ctx, "patch/x", "origin")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Attempts)
		assert.False(t, res.Rebased)

		local, _ := f.BranchHead("patch/x")
		remote, _ := f.RemoteHead("patch/x")
		assert.Equal(t, local, remote)
	})

	t.Run("rejected then clean rebase", func(t *testing.T) {
		f := newBranchWithCommit(t)
		f.AddRemoteCommit("patch/x", map[string]string{"b.txt": "theirs\n"}, "theirs")
		commit(t, f, "a.txt", "two\n", "ours")

		res, err := NewResolver(f, nil).PushWithResolution(ctx, "patch/x", "origin")
		require.NoError(t, err)
		assert.Equal(t, 2, res.Attempts)
		assert.True(t, res.Rebased)

		content, ok := f.FileAt("patch/x", "b.txt")
		assert.True(t, ok)
		assert.Equal(t, "theirs\n", content)
		assert.Equal(t, []string{"Push", "Fetch", "Rebase", "Push"}, pushFlow(f.Calls()))
	})

	t.Run("content conflict aborts and lists paths", func(t *testing.T) {
		f := newBranchWithCommit(t)
		f.AddRemoteCommit("patch/x", map[string]string{"a.txt": "theirs\n"}, "theirs")
		commit(t, f, "a.txt", "ours\n", "ours")
		before, _ := f.BranchHead("patch/x")

		_, err := NewResolver(f, nil).PushWithResolution(ctx, "patch/x", "origin")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrMergeConflict))
		assert.Equal(t, []string{"a.txt"}, errors.ConflictPaths(err))

		after, _ := f.BranchHead("patch/x")
		assert.Equal(t, before, after, "aborted rebase restores the branch tip")
		got, _ := f.ReadFile("a.txt")
		assert.Equal(t, "ours\n", got)
		assert.Contains(t, f.Calls(), "AbortRebase")
	})

	t.Run("exactly one retry", func(t *testing.T) {
		f := newBranchWithCommit(t)
		f.AddRemoteCommit("patch/x", map[string]string{"b.txt": "theirs\n"}, "theirs")
		commit(t, f, "a.txt", "two\n", "ours")
		rejected := errors.NewGitError("push rejected", errors.ErrPushRejected)
		f.FailNext("Push", rejected)
		f.FailNext("Push", rejected)

		res, err := NewResolver(f, nil).PushWithResolution(ctx, "patch/x", "origin")
		assert.True(t, errors.Is(err, errors.ErrPushRejected))
		assert.Equal(t, 2, res.Attempts)
		assert.Equal(t, 2, count(f.Calls(), "Push"))
	})

	t.Run("other push errors are returned unchanged", func(t *testing.T) {
		f := newBranchWithCommit(t)
		boom := errors.New("authentication failed")
		f.FailNext("Push", boom)

		_, err := NewResolver(f, nil).PushWithResolution(ctx, "patch/x", "origin")
		assert.Equal(t, boom, err)
		assert.NotContains(t, f.Calls(), "Fetch")
	})

	t.Run("abort failure is reported with the conflict", func(t *testing.T) {
		f := newBranchWithCommit(t)
		f.AddRemoteCommit("patch/x", map[string]string{"a.txt": "theirs\n"}, "theirs")
		commit(t, f, "a.txt", "ours\n", "ours")
		f.FailNext("AbortRebase", errors.New("index.lock exists"))

		_, err := NewResolver(f, nil).PushWithResolution(ctx, "patch/x", "origin")
		assert.True(t, errors.Is(err, errors.ErrMergeConflict))
		assert.Contains(t, err.Error(), "index.lock exists")
	})
}

func pushFlow(calls []string) []string {
	var out []string
	for _, c := range calls {
		switch c {
		case "Push", "Fetch", "Rebase", "AbortRebase":
			out = append(out, c)
		}
	}
	// Drop the setup push made by newBranchWithCommit.
	return out[1:]
}

func count(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	// Setup push is not part of the resolver's work.
	if name == "Push" {
		n--
	}
	return n
}
