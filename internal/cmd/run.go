package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run <description> -- <command> [args...]",
	Short: "Run a command as a patch session",
	Long: `Run a command against the repository on a dedicated branch.

The branch name is derived from the description. The command runs in the
repository root; whatever it changes is validated, committed with the
description as the message, and pushed. If the command, validation, commit
or push fails, tracked files are restored to their state before the command
ran and the original branch is checked out again.

Examples:
  patchflow run "Fix: login bug" -- sed -i s/false/true/ app/login.go
  patchflow run "Bump deps" --pr --validate "go test ./..." -- go get -u ./...
  patchflow run "Format" --dry-run -- gofmt -w .`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

var (
	runCreatePR    bool
	runAutoCommit  bool
	runDryRun      bool
	runForce       bool
	runValidate    []string
	runNoValidate  bool
	runDraft       bool
	runLabels      []string
	runIssue       string
	runCreateIssue bool
	runIssueTitle  string
	runWait        bool
	runJSON        bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runCreatePR, "pr", false, "open a pull request after pushing (default: patch.create_change_request); review and issue monitors only run with --wait or a later 'patchflow watch'")
	runCmd.Flags().BoolVar(&runAutoCommit, "auto-commit", false, "commit uncommitted changes onto the session branch instead of refusing to start")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "report the branch that would be used without changing anything")
	runCmd.Flags().BoolVar(&runForce, "force", false, "reuse an existing branch even if it has diverged")
	runCmd.Flags().StringArrayVar(&runValidate, "validate", nil, "validation command (repeatable; default: patch.validation_commands)")
	runCmd.Flags().BoolVar(&runNoValidate, "no-validate", false, "skip validation commands")
	runCmd.Flags().BoolVar(&runDraft, "draft", false, "open the pull request as a draft")
	runCmd.Flags().StringSliceVar(&runLabels, "label", nil, "label to add to the pull request (repeatable)")
	runCmd.Flags().StringVar(&runIssue, "issue", "", "tracking issue number or URL to link")
	runCmd.Flags().BoolVar(&runCreateIssue, "create-issue", false, "open a tracking issue if none is linked")
	runCmd.Flags().StringVar(&runIssueTitle, "issue-title", "", "title for a created tracking issue (default: the description)")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "keep running until the review monitor and issue resolver finish (without it they stop when run exits)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the result as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	description := args[0]
	command := args[1:]
	if dash := cmd.ArgsLenAtDash(); dash > 0 {
		description = strings.Join(args[:dash], " ")
		command = args[dash:]
	}
	if len(command) == 0 {
		return fmt.Errorf("no command given after --")
	}

	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	opts, err := runOptions(cmd, e)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if !runJSON {
		unsubscribe := followProgress(e.bus, cmd.ErrOrStderr(), styled())
		defer unsubscribe()
	}

	res, runErr := e.orch.RunPatch(ctx, description, commandOperation(e.root, command), opts)
	if res != nil {
		out := cmd.OutOrStdout()
		if runJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(out, rule())
			printResult(out, res, styled())
			fmt.Fprintln(out, rule())
		}
	}
	if runErr != nil {
		return runErr
	}

	if res.MonitorsStarted && !runWait {
		fmt.Fprintln(cmd.ErrOrStderr(), monitorsStoppedNotice(res.ChangeRequestNumber))
	}
	if res.MonitorsStarted && runWait {
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("Watching the pull request. Press Ctrl+C to stop."))
		go func() {
			<-ctx.Done()
			e.orch.Close()
		}()
		e.orch.Wait()
	}

	if !res.Success {
		return fmt.Errorf("patch session %s failed", res.SessionID)
	}
	return nil
}

// runOptions merges flags over configuration defaults.
func runOptions(cmd *cobra.Command, e *env) (orchestrator.Options, error) {
	opts := orchestrator.Options{
		CreateChangeRequest:          e.cfg.Patch.CreateChangeRequest,
		AutoCommitUncommittedOnEntry: e.cfg.Patch.AutoCommitUncommittedOnEntry,
		ValidationCommands:           e.cfg.Patch.ValidationCommands,
		DryRun:                       runDryRun,
		Force:                        runForce,
		Draft:                        runDraft,
		Labels:                       runLabels,
		CreateIssue:                  runCreateIssue,
		IssueTitle:                   runIssueTitle,
	}
	if cmd.Flags().Changed("pr") {
		opts.CreateChangeRequest = runCreatePR
	}
	if cmd.Flags().Changed("auto-commit") {
		opts.AutoCommitUncommittedOnEntry = runAutoCommit
	}
	if cmd.Flags().Changed("validate") {
		opts.ValidationCommands = runValidate
	}
	if runNoValidate {
		opts.ValidationCommands = nil
	}
	if runIssue != "" {
		n, err := parseIssueArg(runIssue)
		if err != nil {
			return opts, err
		}
		opts.IssueNumber = n
	}
	return opts, nil
}

// commandOperation runs an external command in the repository root. Its
// combined output is echoed to stderr so progress stays visible.
func commandOperation(dir string, command []string) orchestrator.Operation {
	return func(ctx context.Context) (orchestrator.OperationMetadata, error) {
		var output bytes.Buffer
		c := exec.CommandContext(ctx, command[0], command[1:]...)
		c.Dir = dir
		c.Stdin = os.Stdin
		c.Stdout = &output
		c.Stderr = &output

		err := c.Run()
		if output.Len() > 0 {
			_, _ = os.Stderr.Write(output.Bytes())
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return orchestrator.OperationMetadata{}, fmt.Errorf("%s exited with status %d", command[0], exitErr.ExitCode())
			}
			return orchestrator.OperationMetadata{}, fmt.Errorf("failed to run %s: %w", command[0], err)
		}
		return orchestrator.OperationMetadata{}, nil
	}
}

// monitorsStoppedNotice tells the user the monitors end with the process.
func monitorsStoppedNotice(number int) string {
	return mutedStyle.Render(fmt.Sprintf("Review and issue monitors stop when patchflow exits; run 'patchflow watch' or pass --wait to follow pull request #%d.", number))
}
