package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/patchflow/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the working tree and the most recent patch session",
	Long: `Display the checked-out branch, whether a patch session currently holds
the working tree, and the most recent session recorded in the ledger.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	color := styled()

	branch, err := e.git.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	status, err := e.git.Status(ctx)
	if err != nil {
		return err
	}
	status = status.Excluding(e.cfg.Git.IgnoredPaths)

	fmt.Fprintf(out, "Repository: %s\n", e.root)
	fmt.Fprintf(out, "Branch:     %s\n", branch)
	if status.Clean() {
		fmt.Fprintln(out, "Tree:       clean")
	} else {
		fmt.Fprintln(out, "Tree:       "+paint(warningStyle, fmt.Sprintf("%d uncommitted change(s)", len(status.Entries)), color))
	}

	if lock, held := session.IsLocked(e.cfg.Paths.ResolveDataDir(e.root)); held {
		fmt.Fprintln(out, "Lock:       "+paint(warningStyle, fmt.Sprintf("held by %s (pid %d on %s, since %s)",
			lock.SessionID, lock.PID, lock.Hostname, lock.StartedAt.Local().Format(time.DateTime)), color))
	} else {
		fmt.Fprintln(out, "Lock:       free")
	}

	records, err := e.ledger.List(ctx, session.ListOptions{Limit: 1})
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	if len(records) == 0 {
		fmt.Fprintln(out, "No patch sessions recorded.")
		return nil
	}
	last := records[0]
	fmt.Fprintf(out, "Last session: %s (%s)\n", last.ID, paint(stateStyle(last.State), last.State, color))
	fmt.Fprintf(out, "    Task:   %s\n", last.Description)
	fmt.Fprintf(out, "    Branch: %s\n", last.Branch)
	if last.ChangeRequestURL != "" {
		fmt.Fprintf(out, "    PR:     %s\n", last.ChangeRequestURL)
	}
	if last.Error != "" {
		fmt.Fprintf(out, "    Error:  %s\n", last.Error)
	}
	return nil
}
