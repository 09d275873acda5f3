// Package forgetest provides an in-memory forge.Gateway for tests.
package forgetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/forge"
)

// IssueComment records a comment posted on an issue.
type IssueComment struct {
	Issue int
	Body  string
}

// Fake is an in-memory forge. It is safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	nextNumber int
	requests   map[int]*forge.ChangeRequest
	comments   map[int][]forge.Comment
	issues     map[int]*forge.Issue
	issueLog   []IssueComment

	// statusScript holds statuses returned by successive GetStatus calls.
	statusScript map[int][]forge.Status
	failures     map[string][]error
	calls        []string
}

// NewFake creates an empty forge.
func NewFake() *Fake {
	return &Fake{
		nextNumber:   1,
		requests:     make(map[int]*forge.ChangeRequest),
		comments:     make(map[int][]forge.Comment),
		issues:       make(map[int]*forge.Issue),
		statusScript: make(map[int][]forge.Status),
		failures:     make(map[string][]error),
	}
}

// FailNext makes the next call to method return err.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], err)
}

// Calls returns the methods invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many times method was invoked.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *Fake) record(method string) error {
	f.calls = append(f.calls, method)
	if errs := f.failures[method]; len(errs) > 0 {
		f.failures[method] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *Fake) allocate() int {
	n := f.nextNumber
	f.nextNumber++
	return n
}

// SetStatus sets the status of a change request.
func (f *Fake) SetStatus(number int, status forge.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cr, ok := f.requests[number]; ok {
		cr.Status = status
	}
}

// ScriptStatus queues statuses returned by successive GetStatus calls before
// falling back to the stored status. The last scripted status is persisted.
func (f *Fake) ScriptStatus(number int, statuses ...forge.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusScript[number] = append(f.statusScript[number], statuses...)
}

// AddComment appends a comment to a change request. A zero CreatedAt is set
// to the current time and a zero ID is assigned.
func (f *Fake) AddComment(number int, c forge.Comment) forge.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.ID == 0 {
		c.ID = int64(len(f.comments[number]) + 1000)
	}
	f.comments[number] = append(f.comments[number], c)
	return c
}

// AddIssue registers an existing issue.
func (f *Fake) AddIssue(issue forge.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue.State == "" {
		issue.State = forge.IssueOpen
	}
	if issue.Number >= f.nextNumber {
		f.nextNumber = issue.Number + 1
	}
	f.issues[issue.Number] = &issue
}

// Issue returns a copy of an issue.
func (f *Fake) Issue(number int) (forge.Issue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return forge.Issue{}, false
	}
	return *issue, true
}

// IssueComments returns the comments posted on issues.
func (f *Fake) IssueComments() []IssueComment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]IssueComment(nil), f.issueLog...)
}

// ChangeRequests returns all change requests, ordered by number.
func (f *Fake) ChangeRequests() []forge.ChangeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]forge.ChangeRequest, 0, len(f.requests))
	for _, cr := range f.requests {
		out = append(out, *cr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// CreateChangeRequest implements forge.Gateway.
func (f *Fake) CreateChangeRequest(_ context.Context, opts forge.CreateOptions) (*forge.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateChangeRequest"); err != nil {
		return nil, err
	}
	if opts.HeadBranch == "" {
		return nil, errors.NewForgeError("head branch is required", errors.ErrInvalidInput).WithRetryable(false)
	}

	for _, cr := range f.requests {
		if cr.HeadBranch == opts.HeadBranch && cr.Status == forge.StatusOpen {
			out := *cr
			return &out, nil
		}
	}

	n := f.allocate()
	cr := &forge.ChangeRequest{
		Number:            n,
		URL:               fmt.Sprintf("https://forge.test/acme/repo/pull/%d", n),
		HeadBranch:        opts.HeadBranch,
		BaseBranch:        opts.BaseBranch,
		Status:            forge.StatusOpen,
		LinkedIssueNumber: forge.ExtractIssueReference(opts.Body),
	}
	f.requests[n] = cr
	out := *cr
	return &out, nil
}

// FindChangeRequest implements forge.Gateway.
func (f *Fake) FindChangeRequest(_ context.Context, branch string) (*forge.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("FindChangeRequest"); err != nil {
		return nil, err
	}

	var latest *forge.ChangeRequest
	for _, cr := range f.requests {
		if cr.HeadBranch != branch {
			continue
		}
		if cr.Status == forge.StatusOpen {
			out := *cr
			return &out, nil
		}
		if latest == nil || cr.Number > latest.Number {
			latest = cr
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

// GetStatus implements forge.Gateway.
func (f *Fake) GetStatus(_ context.Context, number int) (forge.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetStatus"); err != nil {
		return "", err
	}
	cr, ok := f.requests[number]
	if !ok {
		return "", errors.NewNotFoundError("change request", strconv.Itoa(number)).
			WithCause(errors.ErrChangeRequestNotFound)
	}
	if script := f.statusScript[number]; len(script) > 0 {
		cr.Status = script[0]
		f.statusScript[number] = script[1:]
	}
	return cr.Status, nil
}

// ListComments implements forge.Gateway.
func (f *Fake) ListComments(_ context.Context, number int, since time.Time) ([]forge.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListComments"); err != nil {
		return nil, err
	}
	if _, ok := f.requests[number]; !ok {
		return nil, errors.NewNotFoundError("change request", strconv.Itoa(number)).
			WithCause(errors.ErrChangeRequestNotFound)
	}

	var out []forge.Comment
	for _, c := range f.comments[number] {
		if !since.IsZero() && !c.CreatedAt.After(since) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// CreateIssue implements forge.Gateway.
func (f *Fake) CreateIssue(_ context.Context, opts forge.IssueOptions) (*forge.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateIssue"); err != nil {
		return nil, err
	}
	n := f.allocate()
	issue := &forge.Issue{
		Number: n,
		Title:  opts.Title,
		URL:    fmt.Sprintf("https://forge.test/acme/repo/issues/%d", n),
		State:  forge.IssueOpen,
	}
	f.issues[n] = issue
	out := *issue
	return &out, nil
}

// GetIssue implements forge.Gateway.
func (f *Fake) GetIssue(_ context.Context, number int) (*forge.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetIssue"); err != nil {
		return nil, err
	}
	issue, ok := f.issues[number]
	if !ok {
		return nil, errors.NewNotFoundError("issue", strconv.Itoa(number)).WithCause(errors.ErrIssueNotFound)
	}
	out := *issue
	return &out, nil
}

// CloseIssue implements forge.Gateway. Closing a closed issue does nothing.
func (f *Fake) CloseIssue(_ context.Context, number int, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CloseIssue"); err != nil {
		return err
	}
	issue, ok := f.issues[number]
	if !ok {
		return errors.NewNotFoundError("issue", strconv.Itoa(number)).WithCause(errors.ErrIssueNotFound)
	}
	if issue.State == forge.IssueClosed {
		return nil
	}
	if comment != "" {
		f.issueLog = append(f.issueLog, IssueComment{Issue: number, Body: comment})
	}
	issue.State = forge.IssueClosed
	return nil
}

// CommentIssue implements forge.Gateway.
func (f *Fake) CommentIssue(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CommentIssue"); err != nil {
		return err
	}
	if _, ok := f.issues[number]; !ok {
		return errors.NewNotFoundError("issue", strconv.Itoa(number)).WithCause(errors.ErrIssueNotFound)
	}
	f.issueLog = append(f.issueLog, IssueComment{Issue: number, Body: body})
	return nil
}

var _ forge.Gateway = (*Fake)(nil)
