package issue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/event"
	"github.com/Iron-Ham/patchflow/internal/forge"
	"github.com/Iron-Ham/patchflow/internal/forge/forgetest"
)

const (
	interval    = 5 * time.Millisecond
	maxDuration = 2 * time.Second
)

func setup(t *testing.T) (*forgetest.Fake, *forge.ChangeRequest) {
	t.Helper()
	f := forgetest.NewFake()
	f.AddIssue(forge.Issue{Number: 12, Title: "Login broken"})
	cr, err := f.CreateChangeRequest(context.Background(), forge.CreateOptions{HeadBranch: "patch/fix", BaseBranch: "main"})
	require.NoError(t, err)
	return f, cr
}

func TestResolver_ClosesOnMerge(t *testing.T) {
	f, cr := setup(t)
	f.ScriptStatus(cr.Number, forge.StatusOpen, forge.StatusOpen, forge.StatusMerged)
	rec := &event.Recorder{}

	outcome, err := NewResolver(f, WithEvents(rec)).Run(context.Background(), 12, cr, interval, maxDuration)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, outcome)

	issue, _ := f.Issue(12)
	assert.Equal(t, forge.IssueClosed, issue.State)
	comments := f.IssueComments()
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, cr.URL)
	assert.Equal(t, 3, f.CallCount("GetStatus"))
	assert.Contains(t, rec.Types(), event.TypeTrackingIssueResolved)
}

func TestResolver_AlreadyClosedIsNoop(t *testing.T) {
	f, cr := setup(t)
	f.SetStatus(cr.Number, forge.StatusMerged)
	require.NoError(t, f.CloseIssue(context.Background(), 12, ""))

	outcome, err := NewResolver(f).Run(context.Background(), 12, cr, interval, maxDuration)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, outcome)
	assert.Empty(t, f.IssueComments(), "no second comment")
	assert.Equal(t, 1, f.CallCount("CloseIssue"), "only the setup close")
}

func TestResolver_CloseIsIdempotent(t *testing.T) {
	f, cr := setup(t)
	r := NewResolver(f)
	ctx := context.Background()

	closed, err := r.Close(ctx, 12, cr)
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = r.Close(ctx, 12, cr)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Len(t, f.IssueComments(), 1)
}

func TestResolver_LeavesOpenWhenClosedUnmerged(t *testing.T) {
	f, cr := setup(t)
	f.ScriptStatus(cr.Number, forge.StatusOpen, forge.StatusClosed)

	outcome, err := NewResolver(f).Run(context.Background(), 12, cr, interval, maxDuration)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLeftOpen, outcome)

	issue, _ := f.Issue(12)
	assert.Equal(t, forge.IssueOpen, issue.State)
	assert.Zero(t, f.CallCount("CloseIssue"))
}

func TestResolver_TimesOut(t *testing.T) {
	f, cr := setup(t)

	start := time.Now()
	outcome, err := NewResolver(f).Run(context.Background(), 12, cr, 10*time.Millisecond, 40*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)

	issue, _ := f.Issue(12)
	assert.Equal(t, forge.IssueOpen, issue.State, "issue untouched")
}

func TestResolver_PollErrorsSkipCycle(t *testing.T) {
	f, cr := setup(t)
	f.FailNext("GetStatus", errors.New("network down"))
	f.SetStatus(cr.Number, forge.StatusMerged)
	f.FailNext("CloseIssue", errors.New("server error"))

	outcome, err := NewResolver(f).Run(context.Background(), 12, cr, interval, maxDuration)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, outcome)
	assert.Equal(t, 3, f.CallCount("GetStatus"))
	assert.Equal(t, 2, f.CallCount("CloseIssue"))
}

func TestResolver_MissingIssue(t *testing.T) {
	f, cr := setup(t)
	f.SetStatus(cr.Number, forge.StatusMerged)

	_, err := NewResolver(f).Run(context.Background(), 99, cr, interval, maxDuration)
	assert.True(t, errors.Is(err, errors.ErrIssueNotFound))
}

func TestResolver_Canceled(t *testing.T) {
	f, cr := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	outcome, err := NewResolver(f).Run(ctx, 12, cr, interval, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, outcome)
}

func TestResolver_InvalidArguments(t *testing.T) {
	f, cr := setup(t)
	r := NewResolver(f)
	ctx := context.Background()

	_, err := r.Run(ctx, 0, cr, interval, maxDuration)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	_, err = r.Run(ctx, 12, nil, interval, maxDuration)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	_, err = r.Run(ctx, 12, cr, 0, maxDuration)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	_, err = r.Run(ctx, 12, cr, interval, 0)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"12", 12, false},
		{"#12", 12, false},
		{"https://github.com/acme/repo/issues/12", 12, false},
		{"https://github.com/acme/repo/issues/12/", 12, false},
		{"abc", 0, true},
		{"0", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseReference(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClosingComment(t *testing.T) {
	assert.Equal(t, "Resolved by https://forge.test/pull/3, merged into `main`.",
		ClosingComment(&forge.ChangeRequest{Number: 3, URL: "https://forge.test/pull/3", BaseBranch: "main"}))
	assert.Equal(t, "Resolved by #3.", ClosingComment(&forge.ChangeRequest{Number: 3}))
}
