// Package review watches a change request for review-bot suggestions and
// applies them to the working branch.
//
// Suggestions are fenced "```suggestion" blocks in review comments (see
// ParseSuggestions). The Monitor polls the forge, applies each new suggestion
// with a Patcher, optionally validates and commits, and stops when the change
// request is merged or closed or its time budget runs out.
package review

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/event"
	"github.com/Iron-Ham/patchflow/internal/forge"
	"github.com/Iron-Ham/patchflow/internal/logging"
)

// State is the monitor's lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateWatching State = "watching"
	StateApplying State = "applying"
	StateStopped  State = "stopped"
)

// StopReason explains why a monitor stopped.
type StopReason string

const (
	StopMerged      StopReason = "merged"
	StopClosed      StopReason = "closed"
	StopMaxDuration StopReason = "max_duration"
	StopCanceled    StopReason = "canceled"
)

// commentSkew widens each poll window to absorb clock drift between this host
// and the forge. Comments seen twice are filtered by ID.
const commentSkew = 30 * time.Second

// CommitFunc commits and pushes the working tree on the branch it was
// granted for and returns the committed paths.
type CommitFunc func(ctx context.Context, message string) ([]string, error)

// Workspace grants exclusive use of the working tree. WithTree calls fn only
// while branch is checked out; otherwise it returns an error wrapping
// errors.ErrWrongBranch without calling fn.
type Workspace interface {
	WithTree(ctx context.Context, branch string, fn func(context.Context, CommitFunc) error) error
}

// Validator runs the repository's validation commands.
type Validator interface {
	Validate(ctx context.Context) error
}

// Options control one monitoring run.
type Options struct {
	// Interval between polls. Must be positive.
	Interval time.Duration
	// MaxDuration bounds the whole run. Must be positive.
	MaxDuration time.Duration
	// AutoCommit commits and pushes after a cycle applied suggestions.
	AutoCommit bool
	// ValidateAfterFix validates after each file edit and reverts it on failure.
	ValidateAfterFix bool
	// Authors restricts suggestions to matching comment authors (globs).
	Authors []string
}

// AppliedSuggestion records a file edit made from a comment.
type AppliedSuggestion struct {
	CommentID int64
	Path      string
}

// Report summarizes a monitoring run.
type Report struct {
	ChangeRequest int
	Cycles        int
	Applied       []AppliedSuggestion
	Skipped       int
	Commits       int
	StopReason    StopReason
}

// Monitor applies review suggestions for one change request at a time. The
// set of processed comment IDs lives as long as the Monitor.
type Monitor struct {
	forge     forge.Gateway
	patcher   *Patcher
	workspace Workspace
	validator Validator
	events    event.Publisher
	logger    *logging.Logger

	mu    sync.Mutex
	state State
	seen  map[int64]struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithWorkspace sets the working tree guard. Without one, suggestions are
// applied directly and never committed.
func WithWorkspace(w Workspace) Option {
	return func(m *Monitor) { m.workspace = w }
}

// WithValidator sets the validator used when ValidateAfterFix is on.
func WithValidator(v Validator) Option {
	return func(m *Monitor) { m.validator = v }
}

// WithEvents sets the event publisher.
func WithEvents(p event.Publisher) Option {
	return func(m *Monitor) { m.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a Monitor.
func NewMonitor(gw forge.Gateway, patcher *Patcher, opts ...Option) *Monitor {
	m := &Monitor{
		forge:   gw,
		patcher: patcher,
		state:   StateIdle,
		seen:    make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = event.OrDiscard(m.events)
	m.logger = logging.OrNop(m.logger).WithComponent("review")
	return m
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Run polls cr until it is merged or closed, ctx is canceled or
// opts.MaxDuration elapses. Cancellation is observed between cycles; a cycle
// in progress finishes its edits and commit first. Errors inside a cycle are
// logged and skip only that cycle or comment; Run returns an error only for
// invalid arguments.
func (m *Monitor) Run(ctx context.Context, cr *forge.ChangeRequest, opts Options) (*Report, error) {
	if cr == nil {
		return nil, errors.NewValidationError("change request is required")
	}
	if opts.Interval <= 0 {
		return nil, errors.NewValidationError("interval must be positive").WithField("interval").WithValue(opts.Interval)
	}
	if opts.MaxDuration <= 0 {
		return nil, errors.NewValidationError("max duration must be positive").WithField("max_duration").WithValue(opts.MaxDuration)
	}
	filter, err := NewAuthorFilter(opts.Authors)
	if err != nil {
		return nil, errors.NewValidationError("invalid author pattern: " + err.Error()).WithField("authors")
	}

	logger := m.logger.WithChangeRequest(cr.Number)
	report := &Report{ChangeRequest: cr.Number}
	deadline := time.Now().Add(opts.MaxDuration)
	var since time.Time

	m.setState(StateWatching)
	logger.Info("review monitor started", "interval", opts.Interval.String(), "max_duration", opts.MaxDuration.String())

	for {
		wait := min(opts.Interval, time.Until(deadline))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return m.stop(logger, report, StopCanceled), nil
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return m.stop(logger, report, StopCanceled), nil
		}
		if !time.Now().Before(deadline) {
			logger.Warn("review monitor reached max duration")
			return m.stop(logger, report, StopMaxDuration), nil
		}

		report.Cycles++
		if reason := m.cycle(context.WithoutCancel(ctx), logger, cr, opts, filter, &since, report); reason != "" {
			return m.stop(logger, report, reason), nil
		}
	}
}

func (m *Monitor) stop(logger *logging.Logger, report *Report, reason StopReason) *Report {
	report.StopReason = reason
	m.setState(StateStopped)
	logger.Info("review monitor stopped",
		"reason", string(reason),
		"cycles", report.Cycles,
		"applied", len(report.Applied),
		"skipped", report.Skipped,
	)
	m.events.Publish(event.NewMonitorStoppedEvent("review", report.ChangeRequest, string(reason)))
	return report
}

// cycle runs one poll. It returns a non-empty reason when the change request
// reached a terminal status.
func (m *Monitor) cycle(
	ctx context.Context,
	logger *logging.Logger,
	cr *forge.ChangeRequest,
	opts Options,
	filter *AuthorFilter,
	since *time.Time,
	report *Report,
) StopReason {
	status, err := m.forge.GetStatus(ctx, cr.Number)
	if err != nil {
		logger.Warn("status poll failed, skipping cycle", "error", err)
		return ""
	}
	switch status {
	case forge.StatusMerged:
		return StopMerged
	case forge.StatusClosed:
		return StopClosed
	}

	pollStart := time.Now()
	comments, err := m.forge.ListComments(ctx, cr.Number, *since)
	if err != nil {
		logger.Warn("comment poll failed, skipping cycle", "error", err)
		return ""
	}
	// The window only advances once the polled comments are handled, so
	// deferred comments are listed again.
	next := pollStart.Add(-commentSkew)

	var pending []forge.Comment
	for _, c := range comments {
		if _, ok := m.seen[c.ID]; !ok {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		*since = next
		return ""
	}

	m.setState(StateApplying)
	defer m.setState(StateWatching)

	appliedBefore, skippedBefore := len(report.Applied), report.Skipped
	err = m.withTree(ctx, cr.HeadBranch, func(ctx context.Context, commit CommitFunc) error {
		var edits []*Edit
		for _, c := range pending {
			m.seen[c.ID] = struct{}{}
			if !filter.Allows(c.Author) {
				logger.Debug("ignoring comment from unlisted author", "comment_id", c.ID, "author", c.Author)
				continue
			}
			edits = append(edits, m.applyComment(ctx, logger, cr, c, opts, report)...)
		}
		if len(edits) == 0 || !opts.AutoCommit || commit == nil {
			return nil
		}

		msg := fmt.Sprintf("fix: apply review suggestions for #%d", cr.Number)
		if _, err := commit(ctx, msg); err != nil {
			m.revert(logger, edits)
			for _, c := range pending {
				delete(m.seen, c.ID)
			}
			report.Applied = report.Applied[:appliedBefore]
			report.Skipped = skippedBefore
			return err
		}
		report.Commits++
		return nil
	})
	switch {
	case err == nil:
		*since = next
	case errors.Is(err, errors.ErrWrongBranch), errors.Is(err, errors.ErrUncommittedChanges):
		logger.Warn("working tree not ready, deferring suggestions", "branch", cr.HeadBranch, "pending", len(pending), "error", err)
	default:
		logger.Error("failed to commit review suggestions, will retry", "branch", cr.HeadBranch, "error", err)
	}
	return ""
}

func (m *Monitor) withTree(ctx context.Context, branch string, fn func(context.Context, CommitFunc) error) error {
	if m.workspace == nil {
		return fn(ctx, nil)
	}
	return m.workspace.WithTree(ctx, branch, fn)
}

// revert undoes edits newest first.
func (m *Monitor) revert(logger *logging.Logger, edits []*Edit) {
	for i := len(edits) - 1; i >= 0; i-- {
		if err := m.patcher.Revert(edits[i]); err != nil {
			logger.Error("failed to revert suggestion", "path", edits[i].Path, "error", err)
		}
	}
}

// applyComment applies the suggestions of one comment, one file at a time,
// and returns the edits it kept.
func (m *Monitor) applyComment(
	ctx context.Context,
	logger *logging.Logger,
	cr *forge.ChangeRequest,
	c forge.Comment,
	opts Options,
	report *Report,
) []*Edit {
	suggestions := ParseSuggestions(c)
	if len(suggestions) == 0 {
		return nil
	}

	byPath := make(map[string][]Suggestion)
	for _, s := range suggestions {
		byPath[s.FilePath] = append(byPath[s.FilePath], s)
	}
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var kept []*Edit
	for _, path := range paths {
		edit, err := m.patcher.Apply(byPath[path])
		if err != nil {
			reason := "invalid suggestion"
			if errors.Is(err, &errors.NotFoundError{}) {
				reason = "file not found"
			}
			logger.Warn("skipping suggestion", "comment_id", c.ID, "path", path, "reason", reason, "error", err)
			m.skip(report, cr.Number, c.ID, path, reason)
			continue
		}

		if opts.ValidateAfterFix && m.validator != nil {
			if verr := m.validator.Validate(ctx); verr != nil {
				if rerr := m.patcher.Revert(edit); rerr != nil {
					logger.Error("failed to revert suggestion", "comment_id", c.ID, "path", path, "error", rerr)
				}
				logger.Warn("suggestion skipped: validation failed", "comment_id", c.ID, "path", path, "error", verr)
				m.skip(report, cr.Number, c.ID, path, "validation failed")
				continue
			}
		}

		report.Applied = append(report.Applied, AppliedSuggestion{CommentID: c.ID, Path: path})
		kept = append(kept, edit)
		for _, s := range byPath[path] {
			logger.Info("applied suggestion", "comment_id", c.ID, "path", path, "line", s.Line, "end_line", s.EndLine)
			m.events.Publish(event.NewSuggestionAppliedEvent(cr.Number, c.ID, path, s.Line, s.EndLine))
		}
	}
	return kept
}

func (m *Monitor) skip(report *Report, cr int, commentID int64, path, reason string) {
	report.Skipped++
	m.events.Publish(event.NewSuggestionSkippedEvent(cr, commentID, path, reason))
}
