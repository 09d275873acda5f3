package orchestrator

import (
	"fmt"
	"strings"
)

// Result is the outcome of RunPatch. Internal session states are not
// exposed beyond SessionID.
type Result struct {
	Success   bool   `json:"success"`
	DryRun    bool   `json:"dry_run,omitempty"`
	NoChanges bool   `json:"no_changes,omitempty"`
	SessionID string `json:"session_id"`
	// Branch is the working branch (the planned one for a dry run).
	Branch         string `json:"branch,omitempty"`
	BaselineBranch string `json:"baseline_branch,omitempty"`

	ChangeRequestURL    string `json:"change_request_url,omitempty"`
	ChangeRequestNumber int    `json:"change_request_number,omitempty"`
	IssueNumber         int    `json:"issue_number,omitempty"`

	RolledBack     bool `json:"rolled_back,omitempty"`
	RollbackFailed bool `json:"rollback_failed,omitempty"`
	// Error is the failure message; the operation's own message is kept.
	Error string `json:"error,omitempty"`
	// FailedStep names the step that failed.
	FailedStep string `json:"failed_step,omitempty"`

	ChangedPaths []string `json:"changed_paths,omitempty"`
	// UntrackedLeftovers are files the session created that rollback left in
	// place for the caller to inspect.
	UntrackedLeftovers []string `json:"untracked_leftovers,omitempty"`
	ValidationOutput   string   `json:"validation_output,omitempty"`
	// MonitorsStarted is true when background monitors were spawned.
	MonitorsStarted bool `json:"monitors_started,omitempty"`
}

// Summary renders a human-readable summary with enough detail to resume by
// hand.
func (r *Result) Summary() string {
	var b strings.Builder

	switch {
	case r.DryRun:
		fmt.Fprintf(&b, "Dry run: would use branch %s", r.Branch)
		if r.BaselineBranch != "" {
			fmt.Fprintf(&b, " from %s", r.BaselineBranch)
		}
		b.WriteString("\n")
		return b.String()
	case r.Success && r.NoChanges:
		b.WriteString("No changes: the operation left the tree unchanged\n")
	case r.Success:
		b.WriteString("Patch applied\n")
	default:
		b.WriteString("Patch failed\n")
	}

	if r.Branch != "" {
		fmt.Fprintf(&b, "  branch:         %s\n", r.Branch)
	}
	if r.BaselineBranch != "" {
		fmt.Fprintf(&b, "  baseline:       %s\n", r.BaselineBranch)
	}
	if r.ChangeRequestURL != "" {
		fmt.Fprintf(&b, "  change request: %s\n", r.ChangeRequestURL)
	}
	if r.IssueNumber > 0 {
		fmt.Fprintf(&b, "  tracking issue: #%d\n", r.IssueNumber)
	}
	if len(r.ChangedPaths) > 0 {
		fmt.Fprintf(&b, "  changed:        %s\n", strings.Join(r.ChangedPaths, ", "))
	}
	if r.Error != "" {
		if r.FailedStep != "" {
			fmt.Fprintf(&b, "  error (%s): %s\n", r.FailedStep, r.Error)
		} else {
			fmt.Fprintf(&b, "  error:          %s\n", r.Error)
		}
	}

	switch {
	case r.RollbackFailed:
		b.WriteString("  rollback:       FAILED, the working tree needs manual inspection\n")
	case r.RolledBack:
		b.WriteString("  rollback:       tracked files restored\n")
	}
	if len(r.UntrackedLeftovers) > 0 {
		fmt.Fprintf(&b, "  left in place:  %s\n", strings.Join(r.UntrackedLeftovers, ", "))
	}
	if r.MonitorsStarted {
		b.WriteString("  monitors:       watching review comments and tracking issue\n")
	}
	return b.String()
}
