package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/logging"
	"github.com/Iron-Ham/patchflow/internal/vcs"
)

// Runner executes an external command and returns its combined output.
// vcs.CLICommandExecutor satisfies it.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// GHGateway implements Gateway with the gh CLI.
type GHGateway struct {
	dir        string
	repo       string
	runner     Runner
	maxRetries int
	newBackOff func() backoff.BackOff
	logger     *logging.Logger
}

// Option configures a GHGateway.
type Option func(*GHGateway)

// WithRepo targets an explicit owner/name instead of the repository in dir.
func WithRepo(repo string) Option {
	return func(g *GHGateway) { g.repo = repo }
}

// WithRunner replaces the command runner. Used by tests.
func WithRunner(r Runner) Option {
	return func(g *GHGateway) { g.runner = r }
}

// WithMaxRetries bounds retries of transient failures.
func WithMaxRetries(n int) Option {
	return func(g *GHGateway) { g.maxRetries = n }
}

// WithBackOff replaces the retry schedule.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(g *GHGateway) { g.newBackOff = f }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *GHGateway) { g.logger = l }
}

// NewGHGateway creates a gateway running gh in dir.
func NewGHGateway(dir string, opts ...Option) *GHGateway {
	g := &GHGateway{
		dir:        dir,
		runner:     vcs.NewCLICommandExecutor(),
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 15 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger).WithComponent("forge")
	return g
}

// transientPatterns mark gh failures worth retrying.
var transientPatterns = []string{
	"timeout", "timed out", "rate limit", "502", "503", "504",
	"connection reset", "connection refused", "EOF", "TLS handshake",
	"could not resolve host", "internal server error",
}

func isTransient(output string) bool {
	lower := strings.ToLower(output)
	for _, p := range transientPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// gh runs a gh command, retrying transient failures with exponential backoff.
func (g *GHGateway) gh(ctx context.Context, args ...string) ([]byte, error) {
	var output []byte
	attempt := 0
	op := func() error {
		attempt++
		out, err := g.runner.Run(ctx, g.dir, "gh", args...)
		output = out
		if err == nil {
			return nil
		}
		ferr := errors.NewForgeError("gh "+args[0]+" "+subcommand(args)+" failed", err).
			WithOutput(string(out)).
			WithRetryable(isTransient(string(out)))
		if !ferr.IsRetryable() {
			return backoff.Permanent(ferr)
		}
		g.logger.Warn("transient gh failure", "args", strings.Join(args[:min(2, len(args))], " "), "attempt", attempt, "error", err)
		return ferr
	}

	var b backoff.BackOff = backoff.WithMaxRetries(g.newBackOff(), uint64(max(g.maxRetries, 0)))
	b = backoff.WithContext(b, ctx)
	if err := backoff.Retry(op, b); err != nil {
		return output, err
	}
	return output, nil
}

func subcommand(args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return ""
}

func (g *GHGateway) repoArgs() []string {
	if g.repo == "" {
		return nil
	}
	return []string{"--repo", g.repo}
}

// ghPR mirrors the fields read from `gh pr list/view --json`.
type ghPR struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	State       string `json:"state"`
	HeadRefName string `json:"headRefName"`
	BaseRefName string `json:"baseRefName"`
}

func (p ghPR) toChangeRequest() *ChangeRequest {
	return &ChangeRequest{
		Number:     p.Number,
		URL:        p.URL,
		HeadBranch: p.HeadRefName,
		BaseBranch: p.BaseRefName,
		Status:     ParseStatus(p.State),
	}
}

// FindChangeRequest returns the open request for branch, else the most recent one.
func (g *GHGateway) FindChangeRequest(ctx context.Context, branch string) (*ChangeRequest, error) {
	args := append([]string{"pr", "list",
		"--head", branch,
		"--state", "all",
		"--limit", "20",
		"--json", "number,url,state,headRefName,baseRefName",
	}, g.repoArgs()...)

	out, err := g.gh(ctx, args...)
	if err != nil {
		return nil, err
	}

	var prs []ghPR
	if err := json.Unmarshal(extractJSON(out), &prs); err != nil {
		return nil, errors.NewForgeError("failed to parse gh pr list output", err).
			WithOutput(string(out)).
			WithRetryable(false)
	}
	if len(prs) == 0 {
		return nil, nil
	}

	for _, pr := range prs {
		if ParseStatus(pr.State) == StatusOpen {
			return pr.toChangeRequest(), nil
		}
	}
	sort.Slice(prs, func(i, j int) bool { return prs[i].Number > prs[j].Number })
	return prs[0].toChangeRequest(), nil
}

// CreateChangeRequest opens a pull request, returning the existing open one
// for the head branch if there is one.
func (g *GHGateway) CreateChangeRequest(ctx context.Context, opts CreateOptions) (*ChangeRequest, error) {
	existing, err := g.FindChangeRequest(ctx, opts.HeadBranch)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == StatusOpen {
		g.logger.Info("change request already exists", "number", existing.Number, "branch", opts.HeadBranch)
		return existing, nil
	}

	args := []string{"pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--head", opts.HeadBranch,
	}
	if opts.BaseBranch != "" {
		args = append(args, "--base", opts.BaseBranch)
	}
	if opts.Draft {
		args = append(args, "--draft")
	}
	for _, label := range opts.Labels {
		args = append(args, "--label", label)
	}
	args = append(args, g.repoArgs()...)

	out, err := g.gh(ctx, args...)
	if err != nil {
		return nil, err
	}

	prURL := lastURL(string(out))
	number, err := numberFromURL(prURL)
	if err != nil {
		return nil, errors.NewForgeError("failed to parse change request URL", err).
			WithOutput(string(out)).
			WithRetryable(false)
	}

	g.logger.Info("change request created", "number", number, "url", prURL, "branch", opts.HeadBranch)
	return &ChangeRequest{
		Number:     number,
		URL:        prURL,
		HeadBranch: opts.HeadBranch,
		BaseBranch: opts.BaseBranch,
		Status:     StatusOpen,
	}, nil
}

// GetStatus returns the state of a pull request.
func (g *GHGateway) GetStatus(ctx context.Context, number int) (Status, error) {
	args := append([]string{"pr", "view", strconv.Itoa(number), "--json", "state"}, g.repoArgs()...)
	out, err := g.gh(ctx, args...)
	if err != nil {
		if strings.Contains(string(out), "Could not resolve to a PullRequest") {
			return "", errors.NewNotFoundError("change request", strconv.Itoa(number)).
				WithCause(errors.ErrChangeRequestNotFound)
		}
		return "", err
	}

	var pr ghPR
	if err := json.Unmarshal(extractJSON(out), &pr); err != nil {
		return "", errors.NewForgeError("failed to parse gh pr view output", err).
			WithNumber(number).
			WithOutput(string(out)).
			WithRetryable(false)
	}
	return ParseStatus(pr.State), nil
}

// ghComment mirrors the REST comment payloads (review and issue comments).
type ghComment struct {
	ID   int64 `json:"id"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	Body         string    `json:"body"`
	Path         string    `json:"path"`
	Line         *int      `json:"line"`
	OriginalLine *int      `json:"original_line"`
	StartLine    *int      `json:"start_line"`
	CreatedAt    time.Time `json:"created_at"`
}

func (c ghComment) toComment() Comment {
	out := Comment{
		ID:        c.ID,
		Author:    c.User.Login,
		Body:      c.Body,
		Path:      c.Path,
		CreatedAt: c.CreatedAt,
	}
	switch {
	case c.Line != nil:
		out.Line = *c.Line
	case c.OriginalLine != nil:
		out.Line = *c.OriginalLine
	}
	if c.StartLine != nil {
		out.StartLine = *c.StartLine
	}
	return out
}

// ListComments returns inline review comments and conversation comments
// created after since.
func (g *GHGateway) ListComments(ctx context.Context, number int, since time.Time) ([]Comment, error) {
	repo := g.repo
	if repo == "" {
		repo = "{owner}/{repo}"
	}

	query := url.Values{}
	query.Set("per_page", "100")
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}

	var comments []Comment
	for _, kind := range []string{"pulls", "issues"} {
		endpoint := fmt.Sprintf("repos/%s/%s/%d/comments?%s", repo, kind, number, query.Encode())
		out, err := g.gh(ctx, "api", endpoint, "--paginate")
		if err != nil {
			return nil, err
		}
		page, err := decodeComments(extractJSON(out))
		if err != nil {
			return nil, errors.NewForgeError("failed to parse comments", err).
				WithNumber(number).
				WithRetryable(false)
		}
		for _, c := range page {
			// The API's since filters on update time; keep only new comments.
			if !since.IsZero() && !c.CreatedAt.After(since) {
				continue
			}
			comments = append(comments, c.toComment())
		}
	}

	sort.SliceStable(comments, func(i, j int) bool {
		if comments[i].CreatedAt.Equal(comments[j].CreatedAt) {
			return comments[i].ID < comments[j].ID
		}
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
	return comments, nil
}

// decodeComments reads one or more concatenated JSON arrays, which is what
// `gh api --paginate` prints for list endpoints.
func decodeComments(data []byte) ([]ghComment, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var all []ghComment
	for {
		var page []ghComment
		if err := dec.Decode(&page); err != nil {
			if err == io.EOF {
				return all, nil
			}
			return nil, err
		}
		all = append(all, page...)
	}
}

// ghIssue mirrors the fields read from `gh issue view --json`.
type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// CreateIssue opens a tracking issue.
func (g *GHGateway) CreateIssue(ctx context.Context, opts IssueOptions) (*Issue, error) {
	args := []string{"issue", "create", "--title", opts.Title, "--body", opts.Body}
	for _, label := range opts.Labels {
		args = append(args, "--label", label)
	}
	args = append(args, g.repoArgs()...)

	out, err := g.gh(ctx, args...)
	if err != nil {
		return nil, err
	}
	issueURL := lastURL(string(out))
	number, err := numberFromURL(issueURL)
	if err != nil {
		return nil, errors.NewForgeError("failed to parse issue URL", err).
			WithOutput(string(out)).
			WithRetryable(false)
	}
	g.logger.Info("tracking issue created", "issue", number, "url", issueURL)
	return &Issue{Number: number, Title: opts.Title, URL: issueURL, State: IssueOpen}, nil
}

// GetIssue returns a tracking issue.
func (g *GHGateway) GetIssue(ctx context.Context, number int) (*Issue, error) {
	args := append([]string{"issue", "view", strconv.Itoa(number), "--json", "number,title,url,state"}, g.repoArgs()...)
	out, err := g.gh(ctx, args...)
	if err != nil {
		if strings.Contains(string(out), "Could not resolve to an issue") {
			return nil, errors.NewNotFoundError("issue", strconv.Itoa(number)).
				WithCause(errors.ErrIssueNotFound)
		}
		return nil, err
	}

	var raw ghIssue
	if err := json.Unmarshal(extractJSON(out), &raw); err != nil {
		return nil, errors.NewForgeError("failed to parse gh issue view output", err).
			WithNumber(number).
			WithOutput(string(out)).
			WithRetryable(false)
	}
	state := IssueOpen
	if strings.EqualFold(raw.State, "closed") {
		state = IssueClosed
	}
	return &Issue{Number: raw.Number, Title: raw.Title, URL: raw.URL, State: state}, nil
}

// CloseIssue closes an issue with an optional comment. An issue that is
// already closed is treated as success.
func (g *GHGateway) CloseIssue(ctx context.Context, number int, comment string) error {
	args := []string{"issue", "close", strconv.Itoa(number)}
	if comment != "" {
		args = append(args, "--comment", comment)
	}
	args = append(args, g.repoArgs()...)

	out, err := g.gh(ctx, args...)
	if err != nil {
		if strings.Contains(string(out), "already closed") {
			return nil
		}
		return err
	}
	return nil
}

// CommentIssue posts a comment on an issue.
func (g *GHGateway) CommentIssue(ctx context.Context, number int, body string) error {
	args := append([]string{"issue", "comment", strconv.Itoa(number), "--body", body}, g.repoArgs()...)
	_, err := g.gh(ctx, args...)
	return err
}

var urlNumberRegex = regexp.MustCompile(`/(?:pull|issues)/(\d+)\s*$`)

func numberFromURL(u string) (int, error) {
	m := urlNumberRegex.FindStringSubmatch(u)
	if m == nil {
		return 0, fmt.Errorf("no number in %q", u)
	}
	return strconv.Atoi(m[1])
}

// lastURL returns the last line of output that looks like a URL. gh prints
// progress lines on stderr before the URL.
func lastURL(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "https://") || strings.HasPrefix(line, "http://") {
			return line
		}
	}
	return ""
}

// extractJSON strips any leading non-JSON lines from combined output.
func extractJSON(out []byte) []byte {
	idx := bytes.IndexAny(out, "[{")
	if idx <= 0 {
		return out
	}
	return out[idx:]
}

var _ Gateway = (*GHGateway)(nil)
