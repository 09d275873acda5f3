package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/issue"
)

var watchCmd = &cobra.Command{
	Use:   "watch [branch]",
	Short: "Watch a pull request for review suggestions and merge",
	Long: `Watch the pull request for a branch (default: the current branch).

Reviewer suggestions are applied to the working tree, committed and pushed.
If a tracking issue is linked, either with --issue or through a "Closes #N"
reference in the pull request body, it is closed once the pull request
merges. Watching stops when the pull request is merged or closed, when the
configured time bound elapses, or on Ctrl+C.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

var (
	watchIssue     string
	watchNoReviews bool
	watchValidate  []string
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchIssue, "issue", "", "tracking issue number or URL to close on merge")
	watchCmd.Flags().BoolVar(&watchNoReviews, "no-reviews", false, "only resolve the tracking issue")
	watchCmd.Flags().StringArrayVar(&watchValidate, "validate", nil, "validation command run after each suggestion (default: patch.validation_commands)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	branch := ""
	if len(args) == 1 {
		branch = args[0]
	} else if branch, err = e.git.CurrentBranch(ctx); err != nil {
		return err
	}

	cr, err := e.forge.FindChangeRequest(ctx, branch)
	if err != nil {
		return err
	}
	if cr == nil {
		return errors.NewValidationError(fmt.Sprintf("no pull request found for branch %s", branch)).WithField("branch").WithValue(branch)
	}

	issueNumber := cr.LinkedIssueNumber
	if watchIssue != "" {
		if issueNumber, err = parseIssueArg(watchIssue); err != nil {
			return err
		}
	}

	validation := e.cfg.Patch.ValidationCommands
	if cmd.Flags().Changed("validate") {
		validation = watchValidate
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Watching %s (%s)\n", accentStyle.Render(cr.URL), cr.HeadBranch)
	if issueNumber > 0 {
		fmt.Fprintf(out, "Tracking issue: #%d\n", issueNumber)
	}
	fmt.Fprintln(out, rule())

	unsubscribe := followProgress(e.bus, cmd.ErrOrStderr(), styled())
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	if !watchNoReviews {
		g.Go(func() error {
			report, err := e.orch.WatchReviews(gctx, cr, validation)
			if err != nil {
				return fmt.Errorf("review monitor: %w", err)
			}
			fmt.Fprintf(out, "Reviews: %d suggestion(s) applied, %d skipped, %d commit(s), stopped: %s\n",
				len(report.Applied), report.Skipped, report.Commits, report.StopReason)
			return nil
		})
	}
	if issueNumber > 0 {
		g.Go(func() error {
			outcome, err := e.orch.ResolveTrackingIssue(gctx, issueNumber, cr)
			if err != nil {
				return fmt.Errorf("tracking issue #%d: %w", issueNumber, err)
			}
			fmt.Fprintf(out, "Tracking issue #%d: %s\n", issueNumber, outcome)
			return nil
		})
	}
	return g.Wait()
}

// parseIssueArg accepts "123", "#123" or an issue URL.
func parseIssueArg(ref string) (int, error) {
	return issue.ParseReference(ref)
}
