package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a patch session.
type State string

// Session states, in the order a successful session visits them.
const (
	StateCreated          State = "created"
	StateBranchReady      State = "branch_ready"
	StateOperationApplied State = "operation_applied"
	StateValidated        State = "validated"
	StateCommitted        State = "committed"
	StatePushed           State = "pushed"
	StateRequestOpened    State = "request_opened"
	StateFailed           State = "failed"
	StateRolledBack       State = "rolled_back"
)

// IsTerminal reports whether no further transition can follow.
func (s State) IsTerminal() bool {
	switch s {
	case StateRequestOpened, StateFailed, StateRolledBack:
		return true
	default:
		return false
	}
}

// Session is one RunPatch invocation. It is owned by the orchestrator for
// the duration of the call and never shared.
type Session struct {
	ID             string
	Description    string
	BaselineBranch string
	// WorkingBranch is empty until a branch has been selected.
	WorkingBranch string
	State         State
	// SnapshotRef is the commit restored on rollback.
	SnapshotRef  string
	ChangedPaths []string
	StartedAt    time.Time

	// createdBranch is set when this session created WorkingBranch.
	createdBranch bool
	// preserved is set when entry edits were committed onto the working
	// branch; rollback then stays on that branch so they are not hidden.
	preserved bool
	// untrackedAtSnapshot are untracked paths that predate the operation.
	untrackedAtSnapshot map[string]bool
}

// NewSessionID returns a sortable identifier: the UTC start time followed by
// eight random hex characters.
func NewSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405Z"), suffix)
}

func newSession(description string, now time.Time) *Session {
	return &Session{
		ID:          NewSessionID(now),
		Description: description,
		State:       StateCreated,
		StartedAt:   now,
	}
}

// addChangedPaths merges paths into ChangedPaths, keeping it sorted and unique.
func (s *Session) addChangedPaths(paths ...string) {
	set := make(map[string]bool, len(s.ChangedPaths)+len(paths))
	for _, p := range s.ChangedPaths {
		set[p] = true
	}
	for _, p := range paths {
		if p != "" {
			set[p] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	s.ChangedPaths = out
}
