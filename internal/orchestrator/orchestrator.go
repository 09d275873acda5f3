// Package orchestrator drives one change through a patch session: branch,
// snapshot, operation, validation, commit, push and change request, with
// rollback to the snapshot when any step before the change request fails.
//
// RunPatch is sequential and holds the working-tree lock for its whole run.
// When a change request is opened, the review comment monitor and the
// tracking issue resolver are started in the background; the review monitor
// reaches the working tree only through WithTree, which takes the same lock
// and requires the change request's branch to be checked out.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/patchflow/internal/config"
	"github.com/Iron-Ham/patchflow/internal/conflict"
	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/event"
	"github.com/Iron-Ham/patchflow/internal/forge"
	"github.com/Iron-Ham/patchflow/internal/issue"
	"github.com/Iron-Ham/patchflow/internal/logging"
	"github.com/Iron-Ham/patchflow/internal/orchestrator/verify"
	"github.com/Iron-Ham/patchflow/internal/review"
	"github.com/Iron-Ham/patchflow/internal/session"
	"github.com/Iron-Ham/patchflow/internal/vcs"
)

// PreserveCommitMessage is the message of the commit that carries edits found
// in the working tree on entry when AutoCommitUncommittedOnEntry is set.
const PreserveCommitMessage = "chore: preserve uncommitted changes"

// Orchestrator runs patch sessions against one working tree.
type Orchestrator struct {
	cfg      *config.Config
	git      vcs.Gateway
	forge    forge.Gateway
	fs       afero.Fs
	resolver *conflict.Resolver
	ledger   *session.Ledger
	events   event.Publisher
	logger   *logging.Logger

	lockDir      string
	newValidator ValidatorFactory
	timing       MonitorTiming
	now          func() time.Time

	// treeMu serializes sessions and monitor commits within this process;
	// the lock file does the same across processes.
	treeMu sync.Mutex

	monitors  conc.WaitGroup
	bgCtx     context.Context
	bgCancel  context.CancelFunc
	closeOnce sync.Once
}

// New creates an Orchestrator. fs is the filesystem the review monitor edits;
// it must see the same files as git.
func New(cfg *config.Config, git vcs.Gateway, gw forge.Gateway, fs afero.Fs, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &Orchestrator{
		cfg:   cfg,
		git:   git,
		forge: gw,
		fs:    fs,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.logger = logging.OrNop(o.logger).WithComponent("orchestrator")
	o.events = event.OrDiscard(o.events)
	o.resolver = conflict.NewResolver(git, o.logger)

	if o.lockDir == "" {
		o.lockDir = cfg.Paths.ResolveDataDir(git.Root())
	}
	if o.newValidator == nil {
		timeout := cfg.Patch.ValidationTimeout()
		logger := o.logger
		o.newValidator = func(dir string, commands []string) ValidationRunner {
			return verify.NewRunner(dir, commands, verify.WithLogger(logger), verify.WithTimeout(timeout))
		}
	}
	if o.timing.ReviewInterval <= 0 {
		o.timing.ReviewInterval = cfg.Review.Interval()
	}
	if o.timing.ReviewMaxDuration <= 0 {
		o.timing.ReviewMaxDuration = cfg.Review.MaxDuration()
	}
	if o.timing.TrackingInterval <= 0 {
		o.timing.TrackingInterval = cfg.Tracking.Interval()
	}
	if o.timing.TrackingMaxDuration <= 0 {
		o.timing.TrackingMaxDuration = cfg.Tracking.MaxDuration()
	}

	o.bgCtx, o.bgCancel = context.WithCancel(context.Background())
	return o
}

// RunPatch runs op in a new patch session. Failures are reported in the
// Result; the error is non-nil only when rollback itself failed and the
// working tree needs a human.
func (o *Orchestrator) RunPatch(ctx context.Context, description string, op Operation, opts Options) (*Result, error) {
	s := newSession(description, o.now())
	logger := o.logger.WithSession(s.ID)
	res := &Result{SessionID: s.ID}

	if op == nil {
		return o.finish(ctx, s, res, logger, "preflight",
			errors.NewValidationError("operation is required").WithField("operation"), false)
	}

	// 1. Preflight
	target, err := BranchName(o.cfg.Branch.Prefix, description, o.cfg.Branch.MaxSlugLength)
	if err != nil {
		return o.finish(ctx, s, res, logger, "preflight", err, false)
	}
	current, err := o.git.CurrentBranch(ctx)
	if err != nil {
		return o.finish(ctx, s, res, logger, "preflight", err, false)
	}
	s.BaselineBranch = current
	res.BaselineBranch = current
	res.Branch = target

	if opts.DryRun {
		return o.dryRun(ctx, s, res, logger, target, current)
	}

	o.treeMu.Lock()
	defer o.treeMu.Unlock()

	lock, err := session.AcquireLock(o.lockDir, s.ID, o.logger)
	if err != nil {
		return o.finish(ctx, s, res, logger, "lock", err, false)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release working tree lock", "error", err)
		}
	}()

	o.record(ctx, s, res)
	logger.Info("patch session started", "description", description, "baseline", current, "target", target)

	// 2. Uncommitted-change guard
	status, err := o.git.Status(ctx)
	if err != nil {
		return o.finish(ctx, s, res, logger, "preflight", err, false)
	}
	dirty := !status.Excluding(o.cfg.Git.IgnoredPaths).Clean()
	if dirty && !opts.AutoCommitUncommittedOnEntry {
		err := errors.NewPatchError("working tree has uncommitted changes; commit them or enable auto-commit", errors.ErrUncommittedChanges).
			WithSessionID(s.ID).
			WithStep("preflight")
		return o.finish(ctx, s, res, logger, "preflight", err, false)
	}

	stashed := false
	if dirty && current != target {
		stashed, err = o.git.StashPush(ctx, "patchflow: preserve "+s.ID)
		if err != nil {
			return o.finish(ctx, s, res, logger, "preflight", err, false)
		}
	}

	// 3. Branch decision
	if err := o.selectBranch(ctx, s, logger, target, current, opts.Force); err != nil {
		if stashed {
			if rerr := o.restoreStash(ctx, s, logger); rerr != nil {
				return o.finish(ctx, s, res, logger, "branch", errors.Join(err, rerr), false)
			}
		}
		return o.finish(ctx, s, res, logger, "branch", err, true)
	}
	res.Branch = s.WorkingBranch
	o.transition(s, logger, StateBranchReady)

	if dirty {
		if err := o.preserveEntryEdits(ctx, s, logger, stashed); err != nil {
			return o.finish(ctx, s, res, logger, "branch", err, true)
		}
	}

	// 4. Snapshot
	if err := o.snapshot(ctx, s); err != nil {
		return o.finish(ctx, s, res, logger, "snapshot", err, true)
	}

	// 5. Execute operation
	meta, opErr := runOperation(ctx, op)
	if opErr != nil {
		logger.Error("operation failed", "error", opErr)
		res.Error = opErr.Error()
		err := errors.NewPatchError(opErr.Error(), errors.Join(errors.ErrOperationExecution, opErr)).
			WithSessionID(s.ID).
			WithStep("operation")
		return o.finish(ctx, s, res, logger, "operation", err, true)
	}
	s.addChangedPaths(meta.TouchedPaths...)
	o.transition(s, logger, StateOperationApplied)

	// 6. Validate
	if len(opts.ValidationCommands) > 0 {
		report, err := o.newValidator(o.git.Root(), opts.ValidationCommands).Run(ctx)
		if report != nil {
			res.ValidationOutput = report.Output()
		}
		if err != nil {
			return o.finish(ctx, s, res, logger, "validate", err, true)
		}
	}
	o.transition(s, logger, StateValidated)

	// 7. Commit
	staged, err := o.commit(ctx, description)
	s.addChangedPaths(staged...)
	if errors.Is(err, errors.ErrNothingToCommit) {
		logger.Info("operation changed nothing")
		res.NoChanges = true
		o.discardEmptyBranch(ctx, s, logger)
		return o.finish(ctx, s, res, logger, "", nil, false)
	}
	if err != nil {
		return o.finish(ctx, s, res, logger, "commit", err, true)
	}
	o.transition(s, logger, StateCommitted)

	// 8. Push
	if err := o.push(ctx, s.WorkingBranch); err != nil {
		return o.finish(ctx, s, res, logger, "push", err, true)
	}
	o.transition(s, logger, StatePushed)

	// 9. Change request
	if opts.CreateChangeRequest {
		if err := o.openChangeRequest(ctx, s, res, logger, opts); err != nil {
			return o.finish(ctx, s, res, logger, "change_request", err, false)
		}
	}

	return o.finish(ctx, s, res, logger, "", nil, false)
}

func (o *Orchestrator) dryRun(ctx context.Context, s *Session, res *Result, logger *logging.Logger, target, current string) (*Result, error) {
	res.DryRun = true
	switch {
	case current == target:
		logger.Info("dry run: already on target branch", "branch", target)
	default:
		exists, err := o.git.BranchExists(ctx, target)
		if err != nil {
			return o.finish(ctx, s, res, logger, "preflight", err, false)
		}
		if exists {
			logger.Info("dry run: would reuse existing branch "+target, "branch", target)
		} else {
			logger.Info("dry run: would create branch "+target, "branch", target, "from", o.startPoint(current))
		}
	}
	return o.finish(ctx, s, res, logger, "", nil, false)
}

// startPoint is the ref new session branches are created from.
func (o *Orchestrator) startPoint(current string) string {
	if o.cfg.Git.BaselineBranch != "" {
		return o.cfg.Git.BaselineBranch
	}
	return current
}

func (o *Orchestrator) selectBranch(ctx context.Context, s *Session, logger *logging.Logger, target, current string, force bool) error {
	if current == target {
		logger.Info("already on target branch", "branch", target)
		s.WorkingBranch = target
		return nil
	}

	exists, err := o.git.BranchExists(ctx, target)
	if err != nil {
		return err
	}
	if !exists {
		if err := o.git.CreateBranch(ctx, target, o.startPoint(current)); err != nil {
			return err
		}
		if err := o.git.Checkout(ctx, target); err != nil {
			_ = o.git.DeleteBranch(ctx, target, true)
			return err
		}
		logger.Info("created branch", "branch", target, "from", o.startPoint(current))
		s.WorkingBranch = target
		s.createdBranch = true
		return nil
	}

	baseHead, err := o.git.HeadCommit(ctx)
	if err != nil {
		return err
	}
	if err := o.git.Checkout(ctx, target); err != nil {
		return err
	}
	s.WorkingBranch = target

	head, err := o.git.HeadCommit(ctx)
	if err != nil {
		return err
	}
	if head != baseHead && !force && !o.ownsBranch(ctx, s.ID, target) {
		return errors.NewValidationError(fmt.Sprintf("branch %s already exists with its own commits; use force to reuse it", target)).
			WithField("branch").
			WithValue(target)
	}
	logger.Info("reusing existing branch", "branch", target)
	return nil
}

// ownsBranch reports whether the ledger shows an earlier session that worked
// on branch. Sessions refused before the branch was checked out never took a
// snapshot and do not count.
func (o *Orchestrator) ownsBranch(ctx context.Context, sessionID, branch string) bool {
	if o.ledger == nil {
		return false
	}
	records, err := o.ledger.List(ctx, session.ListOptions{Branch: branch})
	if err != nil {
		o.logger.Warn("failed to query ledger", "branch", branch, "error", err)
		return false
	}
	for _, r := range records {
		if r.ID != sessionID && !r.DryRun && r.SnapshotRef != "" {
			return true
		}
	}
	return false
}

// preserveEntryEdits commits the edits found on entry onto the working
// branch, restoring them from the stash first when they were stashed.
func (o *Orchestrator) preserveEntryEdits(ctx context.Context, s *Session, logger *logging.Logger, stashed bool) error {
	if stashed {
		if err := o.git.StashPop(ctx); err != nil {
			return errors.NewPatchError("failed to restore uncommitted changes; they remain in the stash", err).
				WithSessionID(s.ID).
				WithStep("branch")
		}
	}
	staged, err := o.commit(ctx, PreserveCommitMessage)
	if err != nil && !errors.Is(err, errors.ErrNothingToCommit) {
		return err
	}
	s.preserved = true
	logger.Info("preserved uncommitted changes", "branch", s.WorkingBranch, "paths", staged)
	return nil
}

// restoreStash returns to the entry branch and pops the entry stash.
func (o *Orchestrator) restoreStash(ctx context.Context, s *Session, logger *logging.Logger) error {
	if current, err := o.git.CurrentBranch(ctx); err == nil && current != s.BaselineBranch {
		if err := o.git.Checkout(ctx, s.BaselineBranch); err != nil {
			return err
		}
	}
	if err := o.git.StashPop(ctx); err != nil {
		return err
	}
	logger.Info("restored uncommitted changes from stash")
	s.WorkingBranch = ""
	return nil
}

func (o *Orchestrator) snapshot(ctx context.Context, s *Session) error {
	head, err := o.git.HeadCommit(ctx)
	if err != nil {
		return err
	}
	status, err := o.git.Status(ctx)
	if err != nil {
		return err
	}
	s.SnapshotRef = head
	s.untrackedAtSnapshot = make(map[string]bool)
	for _, p := range status.UntrackedPaths() {
		s.untrackedAtSnapshot[p] = true
	}
	return nil
}

// runOperation runs op and turns a panic into an error.
func runOperation(ctx context.Context, op Operation) (OperationMetadata, error) {
	var (
		meta OperationMetadata
		err  error
		pc   panics.Catcher
	)
	pc.Try(func() { meta, err = op(ctx) })
	if r := pc.Recovered(); r != nil {
		return OperationMetadata{}, fmt.Errorf("operation panicked: %v", r.Value)
	}
	return meta, err
}

// commit stages everything outside the ignored paths and commits it.
func (o *Orchestrator) commit(ctx context.Context, message string) ([]string, error) {
	staged, err := o.git.StageAll(ctx, o.cfg.Git.IgnoredPaths)
	if err != nil {
		return nil, err
	}
	if _, err := o.git.Commit(ctx, message); err != nil {
		return staged, err
	}
	return staged, nil
}

func (o *Orchestrator) push(ctx context.Context, branch string) error {
	_, err := o.resolver.PushWithResolution(ctx, branch, o.cfg.Git.Remote)
	if errors.Is(err, errors.ErrMergeConflict) {
		o.events.Publish(event.NewConflictDetectedEvent(branch, errors.ConflictPaths(err)))
	}
	return err
}

// discardEmptyBranch removes a branch this session created when the
// operation produced nothing to commit.
func (o *Orchestrator) discardEmptyBranch(ctx context.Context, s *Session, logger *logging.Logger) {
	if s.preserved || s.WorkingBranch == "" || s.WorkingBranch == s.BaselineBranch || !s.createdBranch {
		return
	}
	if err := o.git.Checkout(ctx, s.BaselineBranch); err != nil {
		logger.Warn("failed to return to baseline", "baseline", s.BaselineBranch, "error", err)
		return
	}
	if err := o.git.DeleteBranch(ctx, s.WorkingBranch, false); err != nil {
		logger.Warn("failed to delete empty branch", "branch", s.WorkingBranch, "error", err)
		return
	}
	logger.Info("deleted empty branch", "branch", s.WorkingBranch)
	s.WorkingBranch = s.BaselineBranch
}

func (o *Orchestrator) openChangeRequest(ctx context.Context, s *Session, res *Result, logger *logging.Logger, opts Options) error {
	issueNumber := o.resolveIssue(ctx, s, logger, opts)

	body, err := forge.RenderBody("", forge.BodyData{
		Description:        s.Description,
		Branch:             s.WorkingBranch,
		BaseBranch:         o.changeRequestBase(s),
		ChangedFiles:       s.ChangedPaths,
		ValidationCommands: opts.ValidationCommands,
		IssueNumber:        issueNumber,
		SessionID:          s.ID,
	})
	if err != nil {
		return errors.NewPatchError("failed to render change request body", errors.Join(errors.ErrChangeRequestCreation, err)).
			WithSessionID(s.ID).
			WithStep("change_request")
	}

	labels := append(append([]string(nil), o.cfg.Forge.Labels...), opts.Labels...)
	cr, err := o.forge.CreateChangeRequest(ctx, forge.CreateOptions{
		HeadBranch: s.WorkingBranch,
		BaseBranch: o.changeRequestBase(s),
		Title:      s.Description,
		Body:       body,
		Draft:      opts.Draft || o.cfg.Forge.Draft,
		Labels:     labels,
	})
	if err != nil {
		return errors.NewPatchError("failed to open change request; the branch is pushed and can be opened by hand",
			errors.Join(errors.ErrChangeRequestCreation, err)).
			WithSessionID(s.ID).
			WithStep("change_request")
	}
	if cr.LinkedIssueNumber == 0 {
		cr.LinkedIssueNumber = issueNumber
	}

	res.ChangeRequestURL = cr.URL
	res.ChangeRequestNumber = cr.Number
	res.IssueNumber = cr.LinkedIssueNumber
	o.transition(s, logger, StateRequestOpened)
	logger.WithChangeRequest(cr.Number).Info("change request opened", "url", cr.URL, "issue", cr.LinkedIssueNumber)
	o.events.Publish(event.NewChangeRequestOpenedEvent(s.ID, cr.Number, cr.URL, s.WorkingBranch, cr.LinkedIssueNumber))

	res.MonitorsStarted = o.startMonitors(cr, opts.ValidationCommands)
	return nil
}

// changeRequestBase is the base branch of the change request; empty lets the
// forge pick its default.
func (o *Orchestrator) changeRequestBase(s *Session) string {
	if o.cfg.Git.BaselineBranch != "" {
		return o.cfg.Git.BaselineBranch
	}
	if s.BaselineBranch != s.WorkingBranch {
		return s.BaselineBranch
	}
	return ""
}

// resolveIssue returns the tracking issue to link: the one given, one named
// in the description, or a newly created one. Zero means none.
func (o *Orchestrator) resolveIssue(ctx context.Context, s *Session, logger *logging.Logger, opts Options) int {
	if opts.IssueNumber > 0 {
		return opts.IssueNumber
	}
	if n := forge.ExtractIssueReference(s.Description); n > 0 {
		return n
	}
	if !opts.CreateIssue && !o.cfg.Forge.CreateIssue {
		return 0
	}

	title := opts.IssueTitle
	if title == "" {
		title = s.Description
	}
	created, err := o.forge.CreateIssue(ctx, forge.IssueOptions{
		Title: title,
		Body:  fmt.Sprintf("Tracking issue for patch session `%s` on branch `%s`.", s.ID, s.WorkingBranch),
	})
	if err != nil {
		logger.Warn("failed to create tracking issue", "error", err)
		return 0
	}
	logger.Info("tracking issue created", "issue", created.Number, "url", created.URL)
	return created.Number
}

// startMonitors launches the review monitor and tracking resolver for cr in
// the background. They stop on their own bounds or when Close is called.
func (o *Orchestrator) startMonitors(cr *forge.ChangeRequest, validationCommands []string) bool {
	handle := *cr
	started := false

	if o.cfg.Review.Enabled {
		o.monitors.Go(func() {
			report, err := o.WatchReviews(o.bgCtx, &handle, validationCommands)
			if err != nil {
				o.logger.Error("review monitor failed", "change_request", handle.Number, "error", err)
				return
			}
			o.logger.Info("review monitor finished",
				"change_request", handle.Number,
				"applied", len(report.Applied),
				"skipped", report.Skipped,
				"reason", string(report.StopReason),
			)
		})
		started = true
	}

	if o.cfg.Tracking.Enabled && handle.LinkedIssueNumber > 0 {
		o.monitors.Go(func() {
			outcome, err := o.ResolveTrackingIssue(o.bgCtx, handle.LinkedIssueNumber, &handle)
			if err != nil {
				o.logger.Error("tracking resolver failed", "issue", handle.LinkedIssueNumber, "error", err)
				return
			}
			o.logger.Info("tracking resolver finished", "issue", handle.LinkedIssueNumber, "outcome", string(outcome))
		})
		started = true
	}
	return started
}

// WatchReviews runs a review monitor for cr until it stops. Suggestions are
// applied and committed inside WithTree. When validationCommands
// is non-empty and review.validate_after_fix is set, each edit is validated
// and reverted on failure.
func (o *Orchestrator) WatchReviews(ctx context.Context, cr *forge.ChangeRequest, validationCommands []string) (*review.Report, error) {
	monitorOpts := []review.Option{
		review.WithWorkspace(o),
		review.WithEvents(o.events),
		review.WithLogger(o.logger),
	}
	if o.cfg.Review.ValidateAfterFix && len(validationCommands) > 0 {
		monitorOpts = append(monitorOpts, review.WithValidator(runnerValidator{o.newValidator(o.git.Root(), validationCommands)}))
	}
	monitor := review.NewMonitor(o.forge, review.NewPatcher(o.fs, o.git.Root()), monitorOpts...)
	return monitor.Run(ctx, cr, o.reviewOptions())
}

// ResolveTrackingIssue polls cr until it reaches a terminal state and closes
// issueNumber if it merged.
func (o *Orchestrator) ResolveTrackingIssue(ctx context.Context, issueNumber int, cr *forge.ChangeRequest) (issue.Outcome, error) {
	resolver := issue.NewResolver(o.forge, issue.WithLogger(o.logger), issue.WithEvents(o.events))
	return resolver.Run(ctx, issueNumber, cr, o.timing.TrackingInterval, o.timing.TrackingMaxDuration)
}

// runnerValidator adapts a ValidationRunner to review.Validator.
type runnerValidator struct {
	runner ValidationRunner
}

func (v runnerValidator) Validate(ctx context.Context) error {
	_, err := v.runner.Run(ctx)
	return err
}

// CommitAndPush commits every change in the working tree on branch and
// pushes it with conflict resolution. It returns the committed paths, or
// none when there was nothing to commit.
func (o *Orchestrator) CommitAndPush(ctx context.Context, branch, message string) ([]string, error) {
	release, err := o.lockTree(ctx, "commit-"+branch, branch)
	if err != nil {
		return nil, err
	}
	defer release()
	return o.commitAndPush(ctx, branch, message)
}

// WithTree runs fn with exclusive use of the working tree while branch is
// checked out and clean. The review monitor applies and commits suggestions
// inside fn. The commit function passed to fn resets the branch to its
// previous head when the push fails, so a failed commit leaves nothing
// behind.
func (o *Orchestrator) WithTree(ctx context.Context, branch string, fn func(context.Context, review.CommitFunc) error) error {
	release, err := o.lockTree(ctx, "review-"+branch, branch)
	if err != nil {
		return err
	}
	defer release()

	status, err := o.git.Status(ctx)
	if err != nil {
		return err
	}
	if !status.Excluding(o.cfg.Git.IgnoredPaths).Clean() {
		return errors.NewPatchError(fmt.Sprintf("working tree on %s has uncommitted changes", branch), errors.ErrUncommittedChanges).
			WithStep("review")
	}

	return fn(ctx, func(ctx context.Context, message string) ([]string, error) {
		head, err := o.git.HeadCommit(ctx)
		if err != nil {
			return nil, err
		}
		staged, err := o.commitAndPush(ctx, branch, message)
		if err != nil && len(staged) > 0 {
			if rerr := o.git.ResetHard(ctx, head); rerr != nil {
				return staged, errors.Join(err, rerr)
			}
			o.logger.Warn("reset unpushed commit", "branch", branch, "head", head)
		}
		return staged, err
	})
}

// lockTree takes the in-process and file locks on the working tree and checks
// that branch is checked out. The returned func releases both locks.
func (o *Orchestrator) lockTree(ctx context.Context, holder, branch string) (func(), error) {
	o.treeMu.Lock()
	lock, err := session.AcquireLock(o.lockDir, holder, o.logger)
	if err != nil {
		o.treeMu.Unlock()
		return nil, err
	}
	release := func() {
		_ = lock.Release()
		o.treeMu.Unlock()
	}

	current, err := o.git.CurrentBranch(ctx)
	if err != nil {
		release()
		return nil, err
	}
	if current != branch {
		release()
		return nil, errors.NewPatchError(fmt.Sprintf("cannot commit to %s while %s is checked out", branch, current), errors.ErrWrongBranch).
			WithStep("commit")
	}
	return release, nil
}

func (o *Orchestrator) commitAndPush(ctx context.Context, branch, message string) ([]string, error) {
	staged, err := o.commit(ctx, message)
	if errors.Is(err, errors.ErrNothingToCommit) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := o.push(ctx, branch); err != nil {
		return staged, err
	}
	o.logger.Info("committed and pushed", "branch", branch, "paths", staged)
	return staged, nil
}

// PruneBranches deletes local session branches whose change request has been
// merged and returns their names. The checked-out branch is never deleted.
func (o *Orchestrator) PruneBranches(ctx context.Context) ([]string, error) {
	o.treeMu.Lock()
	defer o.treeMu.Unlock()

	current, err := o.git.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	branches, err := o.git.ListBranches(ctx, o.cfg.Branch.Prefix)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, branch := range branches {
		if branch == current {
			continue
		}
		cr, err := o.forge.FindChangeRequest(ctx, branch)
		if err != nil {
			o.logger.Warn("failed to look up change request", "branch", branch, "error", err)
			continue
		}
		if cr == nil || cr.Status != forge.StatusMerged {
			continue
		}
		// Squash and rebase merges leave the local branch unmerged in git's eyes.
		if err := o.git.DeleteBranch(ctx, branch, true); err != nil {
			o.logger.Warn("failed to delete branch", "branch", branch, "error", err)
			continue
		}
		o.logger.Info("pruned merged branch", "branch", branch, "change_request", cr.Number)
		deleted = append(deleted, branch)
	}
	return deleted, nil
}

// Wait blocks until every background monitor has stopped.
func (o *Orchestrator) Wait() {
	if r := o.monitors.WaitAndRecover(); r != nil {
		o.logger.Error("background monitor panicked", "panic", r.String())
	}
}

// Close cancels the background monitors and waits for them. A monitor
// finishes the cycle it is in before stopping.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(o.bgCancel)
	o.Wait()
}

func (o *Orchestrator) transition(s *Session, logger *logging.Logger, to State) {
	from := s.State
	s.State = to
	logger.Debug("session state changed", "from", string(from), "to", string(to), "branch", s.WorkingBranch)
	o.events.Publish(event.NewSessionStateChangedEvent(s.ID, s.WorkingBranch, string(from), string(to)))
}

// finish completes the session. A nil cause is success. With rollback set
// the working tree is restored to the snapshot first.
func (o *Orchestrator) finish(ctx context.Context, s *Session, res *Result, logger *logging.Logger, step string, cause error, rollback bool) (*Result, error) {
	var fatal error

	if cause == nil {
		res.Success = true
	} else {
		res.FailedStep = step
		if res.Error == "" {
			res.Error = cause.Error()
		}
		logger.Error("patch session failed", "step", step, "error", cause)

		if rollback {
			leftovers, err := o.rollback(ctx, s, logger)
			res.UntrackedLeftovers = leftovers
			if err != nil {
				res.RollbackFailed = true
				fatal = err
				o.transition(s, logger, StateFailed)
			} else {
				res.RolledBack = true
				o.transition(s, logger, StateRolledBack)
			}
		} else if !s.State.IsTerminal() {
			o.transition(s, logger, StateFailed)
		}
	}

	if s.WorkingBranch != "" {
		res.Branch = s.WorkingBranch
	}
	res.ChangedPaths = s.ChangedPaths

	o.record(context.WithoutCancel(ctx), s, res)
	o.events.Publish(event.NewSessionCompletedEvent(s.ID, res.Branch, res.Success, res.RolledBack, res.ChangeRequestURL, res.Error))
	if res.Success {
		logger.Info("patch session finished",
			"branch", res.Branch,
			"state", string(s.State),
			"no_changes", res.NoChanges,
			"dry_run", res.DryRun,
			"change_request", res.ChangeRequestURL,
		)
	}
	return res, fatal
}

// rollback restores tracked files to the snapshot and returns to the
// baseline branch. Untracked files created during the session are reported,
// never deleted.
func (o *Orchestrator) rollback(ctx context.Context, s *Session, logger *logging.Logger) ([]string, error) {
	ctx = context.WithoutCancel(ctx)
	var errs []error

	if s.SnapshotRef != "" {
		if err := o.git.ResetHard(ctx, s.SnapshotRef); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 && !s.preserved && s.WorkingBranch != "" && s.WorkingBranch != s.BaselineBranch {
		if err := o.git.Checkout(ctx, s.BaselineBranch); err != nil {
			errs = append(errs, err)
		}
	}

	var leftovers []string
	if status, err := o.git.Status(ctx); err != nil {
		logger.Warn("failed to list untracked files after rollback", "error", err)
	} else {
		for _, p := range status.Excluding(o.cfg.Git.IgnoredPaths).UntrackedPaths() {
			if !s.untrackedAtSnapshot[p] {
				leftovers = append(leftovers, p)
			}
		}
	}

	if len(errs) > 0 {
		logger.Error("rollback failed, working tree needs manual inspection",
			"snapshot", s.SnapshotRef,
			"branch", s.WorkingBranch,
			"errors", errors.Join(errs...),
		)
		return leftovers, errors.NewPatchError(
			fmt.Sprintf("rollback to %s failed; inspect branch %s by hand", s.SnapshotRef, s.WorkingBranch),
			errors.Join(errors.ErrRollbackFailed, errors.Join(errs...)),
		).
			WithSessionID(s.ID).
			WithState(string(s.State)).
			WithStep("rollback").
			WithSeverity(errors.SeverityCritical)
	}

	logger.Info("rolled back", "snapshot", s.SnapshotRef, "untracked_leftovers", leftovers)
	return leftovers, nil
}

func (o *Orchestrator) record(ctx context.Context, s *Session, res *Result) {
	if o.ledger == nil {
		return
	}
	rec := session.Record{
		ID:                  s.ID,
		Description:         s.Description,
		BaselineBranch:      s.BaselineBranch,
		Branch:              res.Branch,
		State:               string(s.State),
		SnapshotRef:         s.SnapshotRef,
		ChangedPaths:        s.ChangedPaths,
		ChangeRequestNumber: res.ChangeRequestNumber,
		ChangeRequestURL:    res.ChangeRequestURL,
		IssueNumber:         res.IssueNumber,
		Success:             res.Success,
		RolledBack:          res.RolledBack,
		NoChanges:           res.NoChanges,
		DryRun:              res.DryRun,
		Error:               res.Error,
		StartedAt:           s.StartedAt,
	}
	if res.Success || res.Error != "" {
		finished := o.now()
		rec.FinishedAt = &finished
	}
	if err := o.ledger.Record(ctx, rec); err != nil {
		o.logger.Warn("failed to record session", "session_id", s.ID, "error", err)
	}
}
