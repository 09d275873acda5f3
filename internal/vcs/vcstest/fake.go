// Package vcstest provides an in-memory vcs.Gateway for tests.
//
// Fake keeps commits, local branches, one remote and a stash in memory and
// uses an afero.Fs as the working tree, so tests can share the same
// filesystem with operations and the review patcher and then assert on the
// exact bytes left behind.
package vcstest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/vcs"
)

type commit struct {
	id      string
	parent  string
	message string
	files   map[string][]byte
}

type stashEntry struct {
	message string
	files   map[string][]byte
	deleted []string
}

type rebaseState struct {
	orig      string
	conflicts []string
}

// Fake is an in-memory vcs.Gateway. It is safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	fs   afero.Fs
	root string

	remoteName string
	commits    map[string]*commit
	branches   map[string]string
	remote     map[string]string
	tracking   map[string]string
	head       string
	index      map[string][]byte
	rebase     *rebaseState
	stash      []stashEntry
	seq        int

	failures map[string][]error
	calls    []string
}

// NewFake creates a repository whose "main" branch holds one commit with
// every file currently under root in fs. The remote "origin" has main too.
func NewFake(fs afero.Fs, root string) *Fake {
	f := &Fake{
		fs:         fs,
		root:       root,
		remoteName: "origin",
		commits:    make(map[string]*commit),
		branches:   make(map[string]string),
		remote:     make(map[string]string),
		tracking:   make(map[string]string),
		failures:   make(map[string][]error),
		head:       "main",
	}
	_ = fs.MkdirAll(root, 0o755)

	files, _ := f.readTree()
	c := f.newCommit("", "Initial commit", files)
	f.branches["main"] = c.id
	f.remote["main"] = c.id
	f.tracking["origin/main"] = c.id
	return f
}

// FailNext makes the next call of method return err. Calls queue up.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], err)
}

// Calls returns the method names invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) enter(method string) error {
	f.calls = append(f.calls, method)
	if q := f.failures[method]; len(q) > 0 {
		err := q[0]
		f.failures[method] = q[1:]
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Test helpers
// -----------------------------------------------------------------------------

// WriteFile writes a working tree file relative to the root.
func (f *Fake) WriteFile(path, content string) error {
	full := f.abs(path)
	if err := f.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(f.fs, full, []byte(content), 0o644)
}

// ReadFile reads a working tree file relative to the root.
func (f *Fake) ReadFile(path string) (string, error) {
	data, err := afero.ReadFile(f.fs, f.abs(path))
	return string(data), err
}

// AddRemoteCommit advances the remote branch with a commit that overwrites
// files, as if someone else had pushed.
func (f *Fake) AddRemoteCommit(branch string, files map[string]string, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent := f.remote[branch]
	tree := map[string][]byte{}
	if p, ok := f.commits[parent]; ok {
		tree = cloneFiles(p.files)
	}
	for path, content := range files {
		tree[path] = []byte(content)
	}
	c := f.newCommit(parent, message, tree)
	f.remote[branch] = c.id
}

// DeleteRemoteBranch removes a branch from the remote.
func (f *Fake) DeleteRemoteBranch(branch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.remote, branch)
	delete(f.tracking, f.remoteName+"/"+branch)
}

// RemoteHead returns the remote tip of branch.
func (f *Fake) RemoteHead(branch string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.remote[branch]
	return id, ok
}

// BranchHead returns the local tip of branch.
func (f *Fake) BranchHead(branch string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.branches[branch]
	return id, ok
}

// CommitMessages returns the messages reachable from a local branch, newest first.
func (f *Fake) CommitMessages(branch string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var msgs []string
	for id := f.branches[branch]; id != ""; id = f.commits[id].parent {
		msgs = append(msgs, f.commits[id].message)
	}
	return msgs
}

// FileAt returns the content of path in the commit at the tip of branch.
func (f *Fake) FileAt(branch, path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.commits[f.branches[branch]]
	if !ok {
		return "", false
	}
	data, ok := c.files[path]
	return string(data), ok
}

// StashDepth returns the number of stash entries.
func (f *Fake) StashDepth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stash)
}

// -----------------------------------------------------------------------------
// vcs.Gateway
// -----------------------------------------------------------------------------

// Root returns the repository root.
func (f *Fake) Root() string { return f.root }

// CurrentBranch returns the checked-out branch.
func (f *Fake) CurrentBranch(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CurrentBranch"); err != nil {
		return "", err
	}
	return f.head, nil
}

// BranchExists reports whether a local branch exists.
func (f *Fake) BranchExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("BranchExists"); err != nil {
		return false, err
	}
	_, ok := f.branches[name]
	return ok, nil
}

// CreateBranch creates a branch at startPoint.
func (f *Fake) CreateBranch(_ context.Context, name, startPoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateBranch"); err != nil {
		return err
	}
	if _, ok := f.branches[name]; ok {
		return errors.NewGitError("branch already exists", nil).WithBranch(name)
	}
	id := f.branches[f.head]
	if startPoint != "" {
		resolved, err := f.resolve(startPoint)
		if err != nil {
			return err
		}
		id = resolved
	}
	f.branches[name] = id
	return nil
}

// Checkout switches branches, carrying local modifications like git does.
func (f *Fake) Checkout(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Checkout"); err != nil {
		return err
	}
	targetID, ok := f.branches[name]
	if !ok {
		return errors.NewGitError("pathspec did not match", errors.ErrBranchNotFound).WithBranch(name)
	}
	if name == f.head {
		return nil
	}

	current := f.commits[f.branches[f.head]].files
	target := f.commits[targetID].files
	wt, err := f.readTree()
	if err != nil {
		return err
	}

	for path, data := range current {
		wtData, present := wt[path]
		modified := !present || !bytes.Equal(wtData, data)
		if modified && !bytes.Equal(current[path], target[path]) {
			return errors.NewGitError("local changes would be overwritten by checkout", nil).
				WithBranch(name).
				WithGitOutput(path)
		}
	}
	for path, data := range target {
		if _, tracked := current[path]; tracked {
			continue
		}
		if wtData, present := wt[path]; present && !bytes.Equal(wtData, data) {
			return errors.NewGitError("untracked file would be overwritten by checkout", nil).
				WithBranch(name).
				WithGitOutput(path)
		}
	}

	for path, data := range current {
		wtData, present := wt[path]
		if present && !bytes.Equal(wtData, data) {
			continue
		}
		if !present {
			continue
		}
		if td, ok := target[path]; ok {
			if err := f.write(path, td); err != nil {
				return err
			}
		} else if err := f.remove(path); err != nil {
			return err
		}
	}
	for path, data := range target {
		if _, tracked := current[path]; !tracked {
			if err := f.write(path, data); err != nil {
				return err
			}
		}
	}

	f.head = name
	f.index = nil
	return nil
}

// DeleteBranch removes a local branch.
func (f *Fake) DeleteBranch(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteBranch"); err != nil {
		return err
	}
	if _, ok := f.branches[name]; !ok {
		return errors.NewGitError("failed to delete branch", errors.ErrBranchNotFound).WithBranch(name)
	}
	if name == f.head {
		return errors.NewGitError("cannot delete the checked-out branch", nil).WithBranch(name)
	}
	delete(f.branches, name)
	return nil
}

// ListBranches returns local branches under prefix/.
func (f *Fake) ListBranches(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListBranches"); err != nil {
		return nil, err
	}
	p := strings.TrimSuffix(prefix, "/") + "/"
	var out []string
	for name := range f.branches {
		if prefix == "" || strings.HasPrefix(name, p) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// HeadCommit returns the tip of the current branch.
func (f *Fake) HeadCommit(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HeadCommit"); err != nil {
		return "", err
	}
	return f.branches[f.head], nil
}

// Status compares the working tree to HEAD.
func (f *Fake) Status(_ context.Context) (*vcs.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Status"); err != nil {
		return nil, err
	}
	return f.status()
}

func (f *Fake) status() (*vcs.Status, error) {
	wt, err := f.readTree()
	if err != nil {
		return nil, err
	}
	headFiles := f.commits[f.branches[f.head]].files

	st := &vcs.Status{}
	for path, data := range headFiles {
		wtData, ok := wt[path]
		switch {
		case !ok:
			st.Entries = append(st.Entries, vcs.FileStatus{Index: ' ', Worktree: 'D', Path: path})
		case !bytes.Equal(wtData, data):
			st.Entries = append(st.Entries, vcs.FileStatus{Index: ' ', Worktree: 'M', Path: path})
		}
	}
	for path := range wt {
		if _, ok := headFiles[path]; !ok {
			st.Entries = append(st.Entries, vcs.FileStatus{Index: '?', Worktree: '?', Path: path})
		}
	}
	sort.Slice(st.Entries, func(i, j int) bool { return st.Entries[i].Path < st.Entries[j].Path })
	return st, nil
}

// StageAll snapshots the working tree into the index, keeping HEAD's
// version of excluded paths.
func (f *Fake) StageAll(_ context.Context, exclude []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("StageAll"); err != nil {
		return nil, err
	}
	wt, err := f.readTree()
	if err != nil {
		return nil, err
	}
	headFiles := f.commits[f.branches[f.head]].files

	index := make(map[string][]byte)
	for path, data := range headFiles {
		if vcs.IsExcluded(path, exclude) {
			index[path] = data
		}
	}
	for path, data := range wt {
		if !vcs.IsExcluded(path, exclude) {
			index[path] = data
		}
	}
	f.index = index
	return diffPaths(headFiles, index), nil
}

// Commit records the index as a new commit on the current branch.
func (f *Fake) Commit(_ context.Context, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Commit"); err != nil {
		return "", err
	}
	headID := f.branches[f.head]
	if f.index == nil || len(diffPaths(f.commits[headID].files, f.index)) == 0 {
		return "", errors.NewGitError("nothing to commit", errors.ErrNothingToCommit)
	}
	c := f.newCommit(headID, message, f.index)
	f.branches[f.head] = c.id
	f.index = nil
	return c.id, nil
}

// Push publishes a branch, rejecting non-fast-forward updates.
func (f *Fake) Push(_ context.Context, remote, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Push"); err != nil {
		return err
	}
	local, ok := f.branches[branch]
	if !ok {
		return errors.NewGitError("src refspec does not match any", errors.ErrBranchNotFound).WithBranch(branch)
	}
	if remoteID, exists := f.remote[branch]; exists && !f.isAncestor(remoteID, local) {
		return errors.NewGitError("push rejected", errors.ErrPushRejected).
			WithBranch(branch).
			WithGitOutput(" ! [rejected]        " + branch + " -> " + branch + " (non-fast-forward)")
	}
	f.remote[branch] = local
	f.tracking[remote+"/"+branch] = local
	return nil
}

// Fetch updates the remote-tracking ref for branch.
func (f *Fake) Fetch(_ context.Context, remote, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Fetch"); err != nil {
		return err
	}
	id, ok := f.remote[branch]
	if !ok {
		return errors.NewGitError("couldn't find remote ref "+branch, errors.ErrBranchNotFound).WithBranch(branch)
	}
	f.tracking[remote+"/"+branch] = id
	return nil
}

// Rebase replays local commits onto upstream. Paths changed on both sides
// with different results are conflicts.
func (f *Fake) Rebase(_ context.Context, upstream string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Rebase"); err != nil {
		return err
	}
	upstreamID, err := f.resolve(upstream)
	if err != nil {
		return err
	}
	localID := f.branches[f.head]
	if f.isAncestor(upstreamID, localID) {
		return nil
	}

	base := f.mergeBase(localID, upstreamID)
	var local []*commit
	for id := localID; id != base && id != ""; id = f.commits[id].parent {
		local = append([]*commit{f.commits[id]}, local...)
	}

	tip := f.commits[upstreamID]
	tree := cloneFiles(tip.files)
	type replayed struct {
		message string
		files   map[string][]byte
	}
	var out []replayed
	conflictSet := map[string]bool{}
	for _, c := range local {
		var parentFiles map[string][]byte
		if p, ok := f.commits[c.parent]; ok {
			parentFiles = p.files
		}
		for _, path := range diffPaths(parentFiles, c.files) {
			cur, curOK := tree[path]
			before, beforeOK := parentFiles[path]
			after, afterOK := c.files[path]
			diverged := curOK != beforeOK || !bytes.Equal(cur, before)
			same := curOK == afterOK && bytes.Equal(cur, after)
			if diverged && !same {
				conflictSet[path] = true
				continue
			}
			if afterOK {
				tree[path] = after
			} else {
				delete(tree, path)
			}
		}
		out = append(out, replayed{message: c.message, files: cloneFiles(tree)})
	}

	if len(conflictSet) > 0 {
		var conflicts []string
		for p := range conflictSet {
			conflicts = append(conflicts, p)
		}
		sort.Strings(conflicts)
		f.rebase = &rebaseState{orig: localID, conflicts: conflicts}
		return errors.NewGitError("rebase conflicts detected", errors.ErrMergeConflict).
			WithBranch(upstream).
			WithGitOutput("CONFLICT (content): Merge conflict in " + strings.Join(conflicts, ", "))
	}

	parent := upstreamID
	for _, r := range out {
		c := f.newCommit(parent, r.message, r.files)
		parent = c.id
	}
	if err := f.checkoutTree(f.commits[localID].files, f.commits[parent].files); err != nil {
		return err
	}
	f.branches[f.head] = parent
	return nil
}

// ConflictedPaths lists the paths of an in-progress rebase.
func (f *Fake) ConflictedPaths(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ConflictedPaths"); err != nil {
		return nil, err
	}
	if f.rebase == nil {
		return nil, nil
	}
	return append([]string(nil), f.rebase.conflicts...), nil
}

// AbortRebase discards an in-progress rebase.
func (f *Fake) AbortRebase(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AbortRebase"); err != nil {
		return err
	}
	if f.rebase == nil {
		return errors.NewGitError("no rebase in progress", nil)
	}
	f.branches[f.head] = f.rebase.orig
	f.rebase = nil
	return nil
}

// ResetHard restores tracked files and the branch tip to ref.
func (f *Fake) ResetHard(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ResetHard"); err != nil {
		return err
	}
	id, err := f.resolve(ref)
	if err != nil {
		return err
	}
	tracked := cloneFiles(f.commits[f.branches[f.head]].files)
	for path := range f.index {
		tracked[path] = nil
	}
	if err := f.checkoutTree(tracked, f.commits[id].files); err != nil {
		return err
	}
	f.branches[f.head] = id
	f.index = nil
	return nil
}

// StashPush saves and clears working tree changes, untracked files included.
func (f *Fake) StashPush(_ context.Context, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("StashPush"); err != nil {
		return false, err
	}
	st, err := f.status()
	if err != nil {
		return false, err
	}
	if st.Clean() {
		return false, nil
	}

	entry := stashEntry{message: message, files: map[string][]byte{}}
	headFiles := f.commits[f.branches[f.head]].files
	for _, e := range st.Entries {
		if e.Worktree == 'D' {
			entry.deleted = append(entry.deleted, e.Path)
			if err := f.write(e.Path, headFiles[e.Path]); err != nil {
				return false, err
			}
			continue
		}
		data, err := afero.ReadFile(f.fs, f.abs(e.Path))
		if err != nil {
			return false, err
		}
		entry.files[e.Path] = data
		if e.Untracked() {
			err = f.remove(e.Path)
		} else {
			err = f.write(e.Path, headFiles[e.Path])
		}
		if err != nil {
			return false, err
		}
	}
	f.stash = append(f.stash, entry)
	f.index = nil
	return true, nil
}

// StashPop restores the most recent stash entry.
func (f *Fake) StashPop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("StashPop"); err != nil {
		return err
	}
	if len(f.stash) == 0 {
		return errors.NewGitError("no stash entries found", nil)
	}
	entry := f.stash[len(f.stash)-1]
	f.stash = f.stash[:len(f.stash)-1]
	for path, data := range entry.files {
		if err := f.write(path, data); err != nil {
			return err
		}
	}
	for _, path := range entry.deleted {
		if err := f.remove(path); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// internals
// -----------------------------------------------------------------------------

func (f *Fake) newCommit(parent, message string, files map[string][]byte) *commit {
	f.seq++
	c := &commit{
		id:      fmt.Sprintf("%040x", f.seq),
		parent:  parent,
		message: message,
		files:   cloneFiles(files),
	}
	f.commits[c.id] = c
	return c
}

func (f *Fake) resolve(ref string) (string, error) {
	if id, ok := f.branches[ref]; ok {
		return id, nil
	}
	if id, ok := f.tracking[ref]; ok {
		return id, nil
	}
	if _, ok := f.commits[ref]; ok {
		return ref, nil
	}
	return "", errors.NewGitError("unknown revision "+ref, errors.ErrBranchNotFound).WithBranch(ref)
}

func (f *Fake) isAncestor(ancestor, of string) bool {
	for id := of; id != ""; id = f.commits[id].parent {
		if id == ancestor {
			return true
		}
	}
	return false
}

func (f *Fake) mergeBase(a, b string) string {
	seen := map[string]bool{}
	for id := a; id != ""; id = f.commits[id].parent {
		seen[id] = true
	}
	for id := b; id != ""; id = f.commits[id].parent {
		if seen[id] {
			return id
		}
	}
	return ""
}

// checkoutTree replaces the tracked files of from with the files of to,
// leaving untracked files alone.
func (f *Fake) checkoutTree(from, to map[string][]byte) error {
	for path := range from {
		if _, ok := to[path]; !ok {
			if err := f.remove(path); err != nil {
				return err
			}
		}
	}
	for path, data := range to {
		if err := f.write(path, data); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) abs(path string) string {
	return filepath.Join(f.root, filepath.FromSlash(path))
}

func (f *Fake) write(path string, data []byte) error {
	full := f.abs(path)
	if err := f.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(f.fs, full, data, 0o644)
}

func (f *Fake) remove(path string) error {
	err := f.fs.Remove(f.abs(path))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *Fake) readTree() (map[string][]byte, error) {
	files := map[string][]byte{}
	err := afero.Walk(f.fs, f.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		data, err := afero.ReadFile(f.fs, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	return files, err
}

func diffPaths(a, b map[string][]byte) []string {
	set := map[string]bool{}
	for path, data := range a {
		if other, ok := b[path]; !ok || !bytes.Equal(other, data) {
			set[path] = true
		}
	}
	for path := range b {
		if _, ok := a[path]; !ok {
			set[path] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func cloneFiles(in map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

var _ vcs.Gateway = (*Fake)(nil)
