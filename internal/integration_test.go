//go:build integration

// Package internal contains integration tests that drive the orchestrator
// against real git repositories, with the forge replaced by a fake and
// events routed through the bus the CLI uses.
package internal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/patchflow/internal/config"
	"github.com/Iron-Ham/patchflow/internal/event"
	"github.com/Iron-Ham/patchflow/internal/forge"
	"github.com/Iron-Ham/patchflow/internal/forge/forgetest"
	"github.com/Iron-Ham/patchflow/internal/orchestrator"
	"github.com/Iron-Ham/patchflow/internal/session"
	"github.com/Iron-Ham/patchflow/internal/testutil"
	"github.com/Iron-Ham/patchflow/internal/vcs"
)

type harness struct {
	repo   string
	remote string
	forge  *forgetest.Fake
	ledger *session.Ledger
	orch   *orchestrator.Orchestrator

	mu     sync.Mutex
	events []event.Event
}

func newHarness(t *testing.T, configure func(*config.Config)) *harness {
	t.Helper()
	testutil.SkipIfNoGit(t)

	repo, remote := testutil.SetupTestRepoWithRemote(t)

	cfg := config.Default()
	cfg.Review.Enabled = false
	cfg.Tracking.Enabled = false
	if configure != nil {
		configure(cfg)
	}

	ledger, err := session.OpenLedger(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	h := &harness{repo: repo, remote: remote, forge: forgetest.NewFake(), ledger: ledger}

	bus := event.NewBus(nil)
	bus.SubscribeAll(func(e event.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})

	h.orch = orchestrator.New(cfg, vcs.NewCLIGateway(repo), h.forge, afero.NewOsFs(),
		orchestrator.WithEvents(bus),
		orchestrator.WithLedger(ledger),
		orchestrator.WithLockDir(t.TempDir()),
		orchestrator.WithMonitorTiming(orchestrator.MonitorTiming{
			ReviewInterval:      20 * time.Millisecond,
			ReviewMaxDuration:   10 * time.Second,
			TrackingInterval:    20 * time.Millisecond,
			TrackingMaxDuration: 10 * time.Second,
		}),
	)
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]string, len(h.events))
	for i, e := range h.events {
		types[i] = e.EventType()
	}
	return types
}

// writeFiles returns an operation that writes files into dir.
func writeFiles(dir string, files map[string]string) orchestrator.Operation {
	return func(context.Context) (orchestrator.OperationMetadata, error) {
		var touched []string
		for path, content := range files {
			full := filepath.Join(dir, path)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return orchestrator.OperationMetadata{}, err
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return orchestrator.OperationMetadata{}, err
			}
			touched = append(touched, path)
		}
		return orchestrator.OperationMetadata{TouchedPaths: touched}, nil
	}
}

func TestPatchLifecycle_EndToEnd(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Review.Enabled = true
		c.Tracking.Enabled = true
	})
	ctx := context.Background()

	h.forge.AddIssue(forge.Issue{Number: 12, Title: "login always fails"})
	h.forge.AddComment(1, forge.Comment{
		Author: "reviewer",
		Path:   "app/login.go",
		Line:   3,
		Body:   "```suggestion\nfunc Login() bool { return true } // reviewed\n```",
	})

	res, err := h.orch.RunPatch(ctx, "Fix: login bug (#12)", writeFiles(h.repo, map[string]string{
		"app/login.go": "package app\n\nfunc Login() bool { return true }\n",
	}), orchestrator.Options{CreateChangeRequest: true})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, "patch/fix--login-bug---12-", res.Branch)
	assert.Equal(t, 12, res.IssueNumber)
	assert.Equal(t, []string{"app/login.go"}, res.ChangedPaths)
	assert.Equal(t, testutil.HeadCommit(t, h.repo), testutil.RemoteBranchHead(t, h.remote, res.Branch))

	pushed := testutil.RemoteBranchHead(t, h.remote, res.Branch)
	require.Eventually(t, func() bool {
		return testutil.RemoteBranchHead(t, h.remote, res.Branch) != pushed
	}, 5*time.Second, 20*time.Millisecond, "review fix was never pushed")

	h.forge.SetStatus(res.ChangeRequestNumber, forge.StatusMerged)
	h.orch.Wait()

	assert.Equal(t, "package app\n\nfunc Login() bool { return true } // reviewed\n",
		testutil.ReadFile(t, h.repo, "app/login.go"))
	assert.Equal(t, testutil.HeadCommit(t, h.repo), testutil.RemoteBranchHead(t, h.remote, res.Branch),
		"review fix is pushed")

	issue, ok := h.forge.Issue(12)
	require.True(t, ok)
	assert.Equal(t, forge.IssueClosed, issue.State)

	types := h.eventTypes()
	assert.Contains(t, types, event.TypeChangeRequestOpened)
	assert.Contains(t, types, event.TypeSuggestionApplied)
	assert.Contains(t, types, event.TypeTrackingIssueResolved)

	rec, err := h.ledger.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, string(orchestrator.StateRequestOpened), rec.State)
	assert.Equal(t, res.ChangeRequestURL, rec.ChangeRequestURL)
}

func TestPatchLifecycle_RebasesOverRemoteWork(t *testing.T) {
	h := newHarness(t, nil)
	other := testutil.CloneRepo(t, h.remote)

	// Another contributor pushes the same branch, touching a different
	// file, while the operation runs.
	op := func(ctx context.Context) (orchestrator.OperationMetadata, error) {
		testutil.MustGit(t, other, "checkout", "-b", "patch/add-docs")
		testutil.CommitFile(t, other, "CONTRIBUTING.md", "be nice\n", "Add contributing guide")
		testutil.MustGit(t, other, "push", "origin", "patch/add-docs")
		return writeFiles(h.repo, map[string]string{"docs/usage.md": "# Usage\n"})(ctx)
	}

	res, err := h.orch.RunPatch(context.Background(), "Add docs", op, orchestrator.Options{})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, "be nice\n", testutil.ReadFile(t, h.repo, "CONTRIBUTING.md"))
	assert.Equal(t, "# Usage\n", testutil.ReadFile(t, h.repo, "docs/usage.md"))
	assert.Equal(t, testutil.HeadCommit(t, h.repo), testutil.RemoteBranchHead(t, h.remote, "patch/add-docs"))
}

func TestPatchLifecycle_ConflictRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	other := testutil.CloneRepo(t, h.remote)
	readme := testutil.ReadFile(t, h.repo, "README.md")

	op := func(ctx context.Context) (orchestrator.OperationMetadata, error) {
		testutil.MustGit(t, other, "checkout", "-b", "patch/retitle")
		testutil.CommitFile(t, other, "README.md", "# Their Title\n", "Retitle")
		testutil.MustGit(t, other, "push", "origin", "patch/retitle")
		return writeFiles(h.repo, map[string]string{"README.md": "# Our Title\n"})(ctx)
	}

	res, err := h.orch.RunPatch(context.Background(), "Retitle", op, orchestrator.Options{})
	require.NoError(t, err, "rollback should succeed")
	require.False(t, res.Success)

	assert.True(t, res.RolledBack)
	assert.Equal(t, "push", res.FailedStep)
	assert.Equal(t, readme, testutil.ReadFile(t, h.repo, "README.md"))
	assert.Equal(t, "main", testutil.GetCurrentBranch(t, h.repo))
	assert.False(t, testutil.HasUncommittedChanges(t, h.repo))
	assert.Contains(t, h.eventTypes(), event.TypeConflictDetected)
}

func TestPatchLifecycle_DirtyTreeRefused(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteFile(t, h.repo, "README.md", "# edited by hand\n")

	res, err := h.orch.RunPatch(context.Background(), "Anything", writeFiles(h.repo, map[string]string{"x.txt": "x\n"}), orchestrator.Options{})
	require.NoError(t, err)
	require.False(t, res.Success)

	assert.Equal(t, "preflight", res.FailedStep)
	assert.Equal(t, "# edited by hand\n", testutil.ReadFile(t, h.repo, "README.md"))
	assert.Equal(t, "main", testutil.GetCurrentBranch(t, h.repo))
	assert.False(t, testutil.BranchExists(t, h.repo, "patch/anything"))
}
