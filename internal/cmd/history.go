package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/patchflow/internal/session"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past patch sessions",
	Long: `List patch sessions recorded in the ledger, newest first. Failed and
rolled-back sessions are listed alongside successful ones.`,
	RunE: runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one patch session in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old session records",
	RunE:  runHistoryPrune,
}

var (
	historyLimit     int
	historyBranch    string
	historyState     string
	historyOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPruneCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of sessions to list (0 for all)")
	historyCmd.Flags().StringVar(&historyBranch, "branch", "", "only sessions on this branch")
	historyCmd.Flags().StringVar(&historyState, "state", "", "only sessions in this state (e.g. rolled_back)")
	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 30*24*time.Hour, "delete sessions started before this long ago")
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	records, err := e.ledger.List(cmd.Context(), session.ListOptions{
		Limit:  historyLimit,
		Branch: historyBranch,
		State:  historyState,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No patch sessions recorded.")
		return nil
	}
	writeHistory(out, records, styled())
	return nil
}

// writeHistory prints one line per record.
func writeHistory(w io.Writer, records []session.Record, color bool) {
	fmt.Fprintf(w, "%-26s  %-16s  %-40s  %s\n", "SESSION", "STATE", "BRANCH", "DESCRIPTION")
	fmt.Fprintln(w, strings.Repeat("─", defaultRuleWidth))
	for _, r := range records {
		state := fmt.Sprintf("%-16s", r.State)
		if r.DryRun {
			state = fmt.Sprintf("%-16s", "dry_run")
		}
		fmt.Fprintf(w, "%-26s  %s  %-40s  %s\n",
			r.ID,
			paint(stateStyle(r.State), state, color),
			truncate(r.Branch, 40),
			truncate(r.Description, 60),
		)
	}
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	r, err := e.ledger.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:        %s\n", r.ID)
	fmt.Fprintf(out, "Description:    %s\n", r.Description)
	fmt.Fprintf(out, "State:          %s\n", paint(stateStyle(r.State), r.State, styled()))
	fmt.Fprintf(out, "Branch:         %s\n", r.Branch)
	fmt.Fprintf(out, "Baseline:       %s\n", r.BaselineBranch)
	if r.SnapshotRef != "" {
		fmt.Fprintf(out, "Snapshot:       %s\n", r.SnapshotRef)
	}
	fmt.Fprintf(out, "Started:        %s\n", r.StartedAt.Local().Format(time.DateTime))
	if r.FinishedAt != nil {
		fmt.Fprintf(out, "Finished:       %s (%s)\n", r.FinishedAt.Local().Format(time.DateTime), r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	}
	if r.ChangeRequestURL != "" {
		fmt.Fprintf(out, "Pull request:   %s\n", r.ChangeRequestURL)
	}
	if r.IssueNumber > 0 {
		fmt.Fprintf(out, "Tracking issue: #%d\n", r.IssueNumber)
	}
	if len(r.ChangedPaths) > 0 {
		fmt.Fprintln(out, "Changed paths:")
		for _, p := range r.ChangedPaths {
			fmt.Fprintf(out, "  %s\n", p)
		}
	}
	if r.Error != "" {
		fmt.Fprintf(out, "Error:          %s\n", r.Error)
	}
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	if historyOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	n, err := e.ledger.Prune(cmd.Context(), time.Now().Add(-historyOlderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d session record(s).\n", n)
	return nil
}

// truncate shortens s to n terminal columns, counting wide runes as two.
func truncate(s string, n int) string {
	if lipgloss.Width(s) <= n {
		return s
	}
	if n <= 3 {
		return ansi.Truncate(s, n, "")
	}
	return ansi.Truncate(s, n, "...")
}
