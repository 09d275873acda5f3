package orchestrator

import (
	"context"
	"time"

	"github.com/Iron-Ham/patchflow/internal/event"
	"github.com/Iron-Ham/patchflow/internal/logging"
	"github.com/Iron-Ham/patchflow/internal/orchestrator/verify"
	"github.com/Iron-Ham/patchflow/internal/review"
	"github.com/Iron-Ham/patchflow/internal/session"
)

// Operation is the caller-supplied unit of work. It mutates files under the
// repository root and may report the paths it touched. It must be safe to run
// again after a rollback.
type Operation func(ctx context.Context) (OperationMetadata, error)

// OperationMetadata is optional information returned by an Operation.
type OperationMetadata struct {
	// TouchedPaths are repository-relative paths the operation changed.
	TouchedPaths []string
}

// Options control one RunPatch call.
type Options struct {
	// CreateChangeRequest opens a change request after a successful push and
	// starts the background monitors.
	CreateChangeRequest bool
	// AutoCommitUncommittedOnEntry commits a dirty tree onto the working
	// branch instead of refusing to start.
	AutoCommitUncommittedOnEntry bool
	// DryRun reports the plan without touching anything.
	DryRun bool
	// Force allows reusing a target branch that already carries commits not
	// on the baseline.
	Force bool
	// ValidationCommands run in order after the operation.
	ValidationCommands []string

	// Draft opens the change request as a draft.
	Draft bool
	// Labels are added to the change request.
	Labels []string
	// IssueNumber links an existing tracking issue.
	IssueNumber int
	// CreateIssue opens a tracking issue when none is linked.
	CreateIssue bool
	// IssueTitle overrides the title of a created issue.
	IssueTitle string
}

// ValidationRunner runs a set of validation commands.
type ValidationRunner interface {
	Run(ctx context.Context) (*verify.Report, error)
}

// ValidatorFactory builds a ValidationRunner for commands run in dir.
type ValidatorFactory func(dir string, commands []string) ValidationRunner

// MonitorTiming bounds the background monitors.
type MonitorTiming struct {
	ReviewInterval      time.Duration
	ReviewMaxDuration   time.Duration
	TrackingInterval    time.Duration
	TrackingMaxDuration time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEvents sets the publisher for lifecycle events.
func WithEvents(p event.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithLedger records every session in l.
func WithLedger(l *session.Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithLockDir overrides the directory holding the working-tree lock.
func WithLockDir(dir string) Option {
	return func(o *Orchestrator) { o.lockDir = dir }
}

// WithValidatorFactory replaces the shell-based validation runner.
func WithValidatorFactory(f ValidatorFactory) Option {
	return func(o *Orchestrator) { o.newValidator = f }
}

// WithMonitorTiming overrides the configured monitor intervals and bounds.
func WithMonitorTiming(t MonitorTiming) Option {
	return func(o *Orchestrator) { o.timing = t }
}

// WithClock sets the time source used for session IDs and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// reviewOptions builds the review monitor options from config and timing.
func (o *Orchestrator) reviewOptions() review.Options {
	return review.Options{
		Interval:         o.timing.ReviewInterval,
		MaxDuration:      o.timing.ReviewMaxDuration,
		AutoCommit:       o.cfg.Review.AutoCommit,
		ValidateAfterFix: o.cfg.Review.ValidateAfterFix,
		Authors:          o.cfg.Review.Authors,
	}
}
