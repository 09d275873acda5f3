// Package forge talks to the hosted forge: change requests (pull requests),
// their review comments, and tracking issues.
//
// Gateway is implemented by GHGateway over the gh CLI and by forgetest.Fake
// for tests.
package forge

import (
	"context"
	"strings"
	"time"
)

// Status is the lifecycle state of a change request.
type Status string

const (
	StatusOpen   Status = "open"
	StatusMerged Status = "merged"
	StatusClosed Status = "closed"
)

// IsTerminal reports whether the change request can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusMerged || s == StatusClosed
}

// ParseStatus maps gh's state strings (OPEN, MERGED, CLOSED) to a Status.
func ParseStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MERGED":
		return StatusMerged
	case "CLOSED":
		return StatusClosed
	default:
		return StatusOpen
	}
}

// ChangeRequest is a forge-side pull request. Its identity (number, URL and
// branches) never changes once created; Status is refreshed by polling.
type ChangeRequest struct {
	Number            int    `json:"number"`
	URL               string `json:"url"`
	HeadBranch        string `json:"head_branch"`
	BaseBranch        string `json:"base_branch"`
	Status            Status `json:"status"`
	LinkedIssueNumber int    `json:"linked_issue_number,omitempty"`
}

// Comment is a review or conversation comment on a change request.
type Comment struct {
	ID     int64
	Author string
	Body   string
	// Path and Line locate inline review comments; empty/zero otherwise.
	Path      string
	Line      int
	StartLine int
	CreatedAt time.Time
}

// IssueState is the state of a tracking issue.
type IssueState string

const (
	IssueOpen   IssueState = "open"
	IssueClosed IssueState = "closed"
)

// Issue is a tracking issue.
type Issue struct {
	Number int
	Title  string
	URL    string
	State  IssueState
	// AssociatedChangeRequest is the number of the change request expected to resolve it.
	AssociatedChangeRequest int
}

// CreateOptions describe a change request to open.
type CreateOptions struct {
	HeadBranch string
	BaseBranch string
	Title      string
	Body       string
	Draft      bool
	Labels     []string
}

// IssueOptions describe a tracking issue to open.
type IssueOptions struct {
	Title  string
	Body   string
	Labels []string
}

// Gateway is the set of forge operations used by patchflow.
type Gateway interface {
	// CreateChangeRequest opens a change request for opts.HeadBranch. When an
	// open request already exists for that branch it is returned unchanged.
	CreateChangeRequest(ctx context.Context, opts CreateOptions) (*ChangeRequest, error)
	// FindChangeRequest returns the open request for branch, else the most
	// recent one, else nil.
	FindChangeRequest(ctx context.Context, branch string) (*ChangeRequest, error)
	// GetStatus returns the current status of a change request.
	GetStatus(ctx context.Context, number int) (Status, error)
	// ListComments returns comments created after since, oldest first. A zero
	// since returns the full history.
	ListComments(ctx context.Context, number int, since time.Time) ([]Comment, error)

	// CreateIssue opens a tracking issue.
	CreateIssue(ctx context.Context, opts IssueOptions) (*Issue, error)
	// GetIssue returns a tracking issue.
	GetIssue(ctx context.Context, number int) (*Issue, error)
	// CloseIssue closes an issue, posting comment first when non-empty.
	CloseIssue(ctx context.Context, number int, comment string) error
	// CommentIssue posts a comment on an issue.
	CommentIssue(ctx context.Context, number int, body string) error
}
