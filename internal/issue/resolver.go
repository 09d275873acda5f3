// Package issue resolves the tracking issue linked to a change request once
// the change request reaches a final state.
package issue

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/event"
	"github.com/Iron-Ham/patchflow/internal/forge"
	"github.com/Iron-Ham/patchflow/internal/logging"
)

// Outcome is the final result of a resolver run.
type Outcome string

const (
	// OutcomeClosed means the change request merged and the issue is closed.
	OutcomeClosed Outcome = "closed"
	// OutcomeLeftOpen means the change request was closed without merging.
	OutcomeLeftOpen Outcome = "left_open"
	// OutcomeTimedOut means the change request stayed open past the budget.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeCanceled means the caller stopped the resolver.
	OutcomeCanceled Outcome = "canceled"
)

// Resolver polls a change request and closes its tracking issue on merge.
type Resolver struct {
	forge  forge.Gateway
	events event.Publisher
	logger *logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithEvents sets the event publisher.
func WithEvents(p event.Publisher) Option {
	return func(r *Resolver) { r.events = p }
}

// NewResolver creates a Resolver.
func NewResolver(gw forge.Gateway, opts ...Option) *Resolver {
	r := &Resolver{forge: gw}
	for _, opt := range opts {
		opt(r)
	}
	r.events = event.OrDiscard(r.events)
	r.logger = logging.OrNop(r.logger).WithComponent("tracking")
	return r
}

// Run polls cr every interval until it is merged or closed, maxDuration
// elapses or ctx is canceled. On merge the issue is closed with a comment
// referencing the change request; an issue that is already closed is left
// alone. A closed, unmerged change request leaves the issue open.
//
// Status poll failures and failed close attempts are logged and retried on
// the next cycle. Run returns an error for invalid arguments or an issue
// that does not exist.
func (r *Resolver) Run(ctx context.Context, issueNumber int, cr *forge.ChangeRequest, interval, maxDuration time.Duration) (Outcome, error) {
	if issueNumber <= 0 {
		return "", errors.NewValidationError("issue number must be positive").WithField("issue").WithValue(issueNumber)
	}
	if cr == nil {
		return "", errors.NewValidationError("change request is required")
	}
	if interval <= 0 || maxDuration <= 0 {
		return "", errors.NewValidationError("interval and max duration must be positive").
			WithField("interval").
			WithValue(interval)
	}

	logger := r.logger.WithChangeRequest(cr.Number).With("issue", issueNumber)
	deadline := time.Now().Add(maxDuration)
	logger.Info("tracking issue resolver started", "interval", interval.String(), "max_duration", maxDuration.String())

	for {
		outcome, err := r.poll(context.WithoutCancel(ctx), logger, issueNumber, cr)
		if err != nil {
			return r.finish(logger, issueNumber, cr, "", err)
		}
		if outcome != "" {
			return r.finish(logger, issueNumber, cr, outcome, nil)
		}

		wait := min(interval, time.Until(deadline))
		if wait <= 0 {
			logger.Warn("change request still open at max duration, leaving issue untouched")
			return r.finish(logger, issueNumber, cr, OutcomeTimedOut, nil)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return r.finish(logger, issueNumber, cr, OutcomeCanceled, nil)
		case <-timer.C:
		}
		if !time.Now().Before(deadline) {
			logger.Warn("change request still open at max duration, leaving issue untouched")
			return r.finish(logger, issueNumber, cr, OutcomeTimedOut, nil)
		}
	}
}

func (r *Resolver) finish(logger *logging.Logger, issueNumber int, cr *forge.ChangeRequest, outcome Outcome, err error) (Outcome, error) {
	if err != nil {
		logger.Error("tracking issue resolver failed", "error", err)
		return outcome, err
	}
	logger.Info("tracking issue resolver finished", "outcome", string(outcome))
	r.events.Publish(event.NewMonitorStoppedEvent("tracking", cr.Number, string(outcome)))
	if outcome != OutcomeCanceled {
		r.events.Publish(event.NewTrackingIssueResolvedEvent(issueNumber, cr.Number, string(outcome)))
	}
	return outcome, nil
}

// poll returns a non-empty outcome once the change request is final.
func (r *Resolver) poll(ctx context.Context, logger *logging.Logger, issueNumber int, cr *forge.ChangeRequest) (Outcome, error) {
	status, err := r.forge.GetStatus(ctx, cr.Number)
	if err != nil {
		logger.Warn("status poll failed, skipping cycle", "error", err)
		return "", nil
	}

	switch status {
	case forge.StatusClosed:
		logger.Info("change request closed without merge, leaving issue open")
		return OutcomeLeftOpen, nil
	case forge.StatusMerged:
		closed, err := r.Close(ctx, issueNumber, cr)
		if err != nil {
			if errors.Is(err, errors.ErrIssueNotFound) {
				return "", err
			}
			logger.Warn("failed to close issue, retrying next cycle", "error", err)
			return "", nil
		}
		if closed {
			logger.Info("closed tracking issue")
		} else {
			logger.Info("tracking issue already closed")
		}
		return OutcomeClosed, nil
	default:
		return "", nil
	}
}

// Close closes issueNumber with a comment referencing cr. It reports false
// when the issue was already closed, in which case nothing is posted.
func (r *Resolver) Close(ctx context.Context, issueNumber int, cr *forge.ChangeRequest) (bool, error) {
	current, err := r.forge.GetIssue(ctx, issueNumber)
	if err != nil {
		return false, err
	}
	if current.State == forge.IssueClosed {
		return false, nil
	}
	if err := r.forge.CloseIssue(ctx, issueNumber, ClosingComment(cr)); err != nil {
		return false, err
	}
	return true, nil
}

// ClosingComment is the comment posted when a merged change request resolves an issue.
func ClosingComment(cr *forge.ChangeRequest) string {
	ref := cr.URL
	if ref == "" {
		ref = "#" + strconv.Itoa(cr.Number)
	}
	if cr.BaseBranch == "" {
		return fmt.Sprintf("Resolved by %s.", ref)
	}
	return fmt.Sprintf("Resolved by %s, merged into `%s`.", ref, cr.BaseBranch)
}

var issueURLRegex = regexp.MustCompile(`/issues/(\d+)/?$`)

// ParseReference accepts "123", "#123" or an issue URL and returns the number.
func ParseReference(ref string) (int, error) {
	ref = strings.TrimSpace(ref)
	if m := issueURLRegex.FindStringSubmatch(ref); m != nil {
		ref = m[1]
	}
	n, err := strconv.Atoi(strings.TrimPrefix(ref, "#"))
	if err != nil || n <= 0 {
		return 0, errors.NewValidationError("invalid issue reference").WithField("issue").WithValue(ref)
	}
	return n, nil
}
