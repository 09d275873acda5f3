package review

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/event"
	"github.com/Iron-Ham/patchflow/internal/forge"
	"github.com/Iron-Ham/patchflow/internal/forge/forgetest"
)

type stubWorkspace struct {
	mu       sync.Mutex
	branches []string
	messages []string
	// elsewhere is the number of WithTree calls that find another branch
	// checked out.
	elsewhere int
	// failCommits is the number of commits that fail before one succeeds.
	failCommits int
	trees       int
}

func (w *stubWorkspace) WithTree(ctx context.Context, branch string, fn func(context.Context, CommitFunc) error) error {
	w.mu.Lock()
	w.trees++
	if w.elsewhere > 0 {
		w.elsewhere--
		w.mu.Unlock()
		return errors.NewPatchError("main is checked out", errors.ErrWrongBranch)
	}
	w.mu.Unlock()

	return fn(ctx, func(_ context.Context, message string) ([]string, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.branches = append(w.branches, branch)
		w.messages = append(w.messages, message)
		if w.failCommits > 0 {
			w.failCommits--
			return []string{"f.txt"}, errors.ErrPushRejected
		}
		return []string{"f.txt"}, nil
	})
}

func (w *stubWorkspace) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

type stubValidator struct{ err error }

func (v stubValidator) Validate(context.Context) error { return v.err }

type monitorFixture struct {
	forge     *forgetest.Fake
	fs        afero.Fs
	cr        *forge.ChangeRequest
	committer *stubWorkspace
	events    *event.Recorder
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	f := forgetest.NewFake()
	cr, err := f.CreateChangeRequest(context.Background(), forge.CreateOptions{HeadBranch: "patch/x", BaseBranch: "main"})
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/f.txt", []byte("a\nb\nc\n"), 0o644))
	return &monitorFixture{
		forge:     f,
		fs:        fs,
		cr:        cr,
		committer: &stubWorkspace{},
		events:    &event.Recorder{},
	}
}

func (fx *monitorFixture) monitor(opts ...Option) *Monitor {
	opts = append([]Option{WithWorkspace(fx.committer), WithEvents(fx.events)}, opts...)
	return NewMonitor(fx.forge, NewPatcher(fx.fs, "/repo"), opts...)
}

func (fx *monitorFixture) content(t *testing.T) string {
	t.Helper()
	b, err := afero.ReadFile(fx.fs, "/repo/f.txt")
	require.NoError(t, err)
	return string(b)
}

func fastOptions() Options {
	return Options{
		Interval:         5 * time.Millisecond,
		MaxDuration:      2 * time.Second,
		AutoCommit:       true,
		ValidateAfterFix: true,
	}
}

const suggestB = "```suggestion f.txt:2\nB\n```"

func TestMonitor_AppliesAndStopsOnMerge(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Author: "copilot", Body: suggestB})
	fx.forge.ScriptStatus(fx.cr.Number, forge.StatusOpen, forge.StatusMerged)

	m := fx.monitor(WithValidator(stubValidator{}))
	report, err := m.Run(context.Background(), fx.cr, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, StopMerged, report.StopReason)
	assert.Equal(t, 2, report.Cycles)
	require.Len(t, report.Applied, 1)
	assert.Equal(t, "f.txt", report.Applied[0].Path)
	assert.Equal(t, 1, report.Commits)
	assert.Equal(t, "a\nB\nc\n", fx.content(t))

	assert.Equal(t, []string{"patch/x"}, fx.committer.branches)
	assert.Contains(t, fx.committer.messages[0], "#1")
	assert.Equal(t, StateStopped, m.State())
	assert.Equal(t, []string{event.TypeSuggestionApplied, event.TypeMonitorStopped}, fx.events.Types())
}

func TestMonitor_DeduplicatesAcrossCycles(t *testing.T) {
	fx := newMonitorFixture(t)
	// A deletion is not idempotent, so applying it twice would be visible.
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Author: "bot", Body: "```suggestion f.txt:1\n```"})
	fx.forge.ScriptStatus(fx.cr.Number, forge.StatusOpen, forge.StatusOpen, forge.StatusOpen, forge.StatusMerged)

	report, err := fx.monitor().Run(context.Background(), fx.cr, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Cycles)
	assert.Len(t, report.Applied, 1)
	assert.Equal(t, "b\nc\n", fx.content(t))
	assert.Equal(t, 1, fx.committer.count())
	assert.GreaterOrEqual(t, fx.forge.CallCount("ListComments"), 3)
}

func TestMonitor_IgnoresMalformedComments(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Body: "nice work"})
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Body: "```suggestion\nno location\n```"})
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Body: "```suggestion f.txt:1\nunterminated"})
	fx.forge.ScriptStatus(fx.cr.Number, forge.StatusOpen, forge.StatusClosed)

	report, err := fx.monitor().Run(context.Background(), fx.cr, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, StopClosed, report.StopReason)
	assert.Empty(t, report.Applied)
	assert.Zero(t, report.Skipped)
	assert.Zero(t, fx.committer.count())
	assert.Equal(t, "a\nb\nc\n", fx.content(t))
}

func TestMonitor_MissingFileSkipped(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Body: "```suggestion renamed.txt:1\nx\n```"})
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Body: suggestB})
	fx.forge.ScriptStatus(fx.cr.Number, forge.StatusOpen, forge.StatusMerged)

	report, err := fx.monitor().Run(context.Background(), fx.cr, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, report.Applied, 1, "other comments still apply")
	assert.Equal(t, "a\nB\nc\n", fx.content(t))

	var skipped []event.SuggestionSkippedEvent
	for _, e := range fx.events.Events() {
		if s, ok := e.(event.SuggestionSkippedEvent); ok {
			skipped = append(skipped, s)
		}
	}
	require.Len(t, skipped, 1)
	assert.Equal(t, "file not found", skipped[0].Reason)
}

func TestMonitor_ValidationFailureReverts(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Body: suggestB})
	fx.forge.ScriptStatus(fx.cr.Number, forge.StatusOpen, forge.StatusMerged)

	m := fx.monitor(WithValidator(stubValidator{err: errors.ErrValidationFailed}))
	report, err := m.Run(context.Background(), fx.cr, fastOptions())
	require.NoError(t, err)

	assert.Empty(t, report.Applied)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, "a\nb\nc\n", fx.content(t), "edit reverted")
	assert.Zero(t, fx.committer.count(), "nothing to commit")
}

func TestMonitor_NoAutoCommit(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Body: suggestB})
	fx.forge.ScriptStatus(fx.cr.Number, forge.StatusOpen, forge.StatusMerged)

	opts := fastOptions()
	opts.AutoCommit = false
	report, err := fx.monitor().Run(context.Background(), fx.cr, opts)
	require.NoError(t, err)

	assert.Len(t, report.Applied, 1)
	assert.Zero(t, fx.committer.count())
	assert.Equal(t, "a\nB\nc\n", fx.content(t), "edit stays in the working tree")
}

func TestMonitor_DefersWhileBranchNotCheckedOut(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.committer.elsewhere = 2
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Author: "bot", Body: suggestB})
	fx.forge.ScriptStatus(fx.cr.Number, forge.StatusOpen, forge.StatusOpen, forge.StatusOpen, forge.StatusMerged)

	report, err := fx.monitor().Run(context.Background(), fx.cr, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, 3, fx.committer.trees)
	require.Len(t, report.Applied, 1, "applied once the branch is back")
	assert.Equal(t, 1, report.Commits)
	assert.Equal(t, []string{"patch/x"}, fx.committer.branches)
	assert.Equal(t, "a\nB\nc\n", fx.content(t))
}

func TestMonitor_NeverWritesToAnotherBranch(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.committer.elsewhere = 100
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Author: "bot", Body: suggestB})
	fx.forge.ScriptStatus(fx.cr.Number, forge.StatusOpen, forge.StatusOpen, forge.StatusMerged)

	report, err := fx.monitor().Run(context.Background(), fx.cr, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, StopMerged, report.StopReason)
	assert.Empty(t, report.Applied)
	assert.Zero(t, fx.committer.count())
	assert.Equal(t, "a\nb\nc\n", fx.content(t), "tree untouched")
}

func TestMonitor_CommitFailureRevertsAndRetries(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.committer.failCommits = 1
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Author: "bot", Body: suggestB})
	fx.forge.ScriptStatus(fx.cr.Number, forge.StatusOpen, forge.StatusOpen, forge.StatusMerged)

	report, err := fx.monitor().Run(context.Background(), fx.cr, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, 2, fx.committer.count(), "retried on the next cycle")
	require.Len(t, report.Applied, 1)
	assert.Equal(t, 1, report.Commits)
	assert.Equal(t, "a\nB\nc\n", fx.content(t))
}

func TestMonitor_CommitFailureLeavesTreeClean(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.committer.failCommits = 100
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Author: "bot", Body: suggestB})
	fx.forge.ScriptStatus(fx.cr.Number, forge.StatusOpen, forge.StatusMerged)

	report, err := fx.monitor().Run(context.Background(), fx.cr, fastOptions())
	require.NoError(t, err)

	assert.Empty(t, report.Applied)
	assert.Zero(t, report.Commits)
	assert.Equal(t, "a\nb\nc\n", fx.content(t), "edit reverted")
}

func TestMonitor_AuthorFilter(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Author: "alice", Body: suggestB})
	fx.forge.ScriptStatus(fx.cr.Number, forge.StatusOpen, forge.StatusMerged)

	opts := fastOptions()
	opts.Authors = []string{"copilot*"}
	report, err := fx.monitor().Run(context.Background(), fx.cr, opts)
	require.NoError(t, err)

	assert.Empty(t, report.Applied)
	assert.Equal(t, "a\nb\nc\n", fx.content(t))
}

func TestMonitor_StopsWithinOneIntervalOfMerge(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.forge.SetStatus(fx.cr.Number, forge.StatusMerged)

	opts := fastOptions()
	opts.Interval = 20 * time.Millisecond
	start := time.Now()
	report, err := fx.monitor().Run(context.Background(), fx.cr, opts)
	require.NoError(t, err)

	assert.Equal(t, StopMerged, report.StopReason)
	assert.Equal(t, 1, report.Cycles)
	assert.Less(t, time.Since(start), opts.Interval*10)
	assert.Zero(t, fx.forge.CallCount("ListComments"))
}

func TestMonitor_MaxDuration(t *testing.T) {
	fx := newMonitorFixture(t)

	opts := fastOptions()
	opts.Interval = 10 * time.Millisecond
	opts.MaxDuration = 45 * time.Millisecond
	start := time.Now()
	report, err := fx.monitor().Run(context.Background(), fx.cr, opts)
	require.NoError(t, err)

	assert.Equal(t, StopMaxDuration, report.StopReason)
	assert.GreaterOrEqual(t, time.Since(start), opts.MaxDuration)
	assert.Less(t, time.Since(start), time.Second)
	assert.LessOrEqual(t, report.Cycles, 5)
}

func TestMonitor_Cancellation(t *testing.T) {
	fx := newMonitorFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Report, 1)
	go func() {
		opts := fastOptions()
		opts.MaxDuration = time.Hour
		report, _ := fx.monitor().Run(ctx, fx.cr, opts)
		done <- report
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case report := <-done:
		assert.Equal(t, StopCanceled, report.StopReason)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
}

func TestMonitor_PollErrorSkipsCycle(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.forge.FailNext("GetStatus", errors.New("network down"))
	fx.forge.FailNext("ListComments", errors.New("network down"))
	fx.forge.AddComment(fx.cr.Number, forge.Comment{Body: suggestB})
	fx.forge.ScriptStatus(fx.cr.Number, forge.StatusOpen, forge.StatusOpen, forge.StatusMerged)

	report, err := fx.monitor().Run(context.Background(), fx.cr, fastOptions())
	require.NoError(t, err)

	assert.Equal(t, StopMerged, report.StopReason)
	assert.Equal(t, 4, report.Cycles)
	assert.Len(t, report.Applied, 1)
}

func TestMonitor_InvalidOptions(t *testing.T) {
	fx := newMonitorFixture(t)
	m := fx.monitor()

	_, err := m.Run(context.Background(), nil, fastOptions())
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = m.Run(context.Background(), fx.cr, Options{MaxDuration: time.Second})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = m.Run(context.Background(), fx.cr, Options{Interval: time.Second})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}
