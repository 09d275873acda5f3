// Package errors provides the error taxonomy used across patchflow. It defines
// sentinel errors for every failure class a patch session can end in, typed
// errors that carry git, forge and session context, and classification helpers.
//
// # Error Types
//
// Domain-specific errors:
//   - GitError: a git command failed (branch, repository and command output)
//   - ForgeError: a hosted-forge (gh) call failed
//   - PatchError: a patch session step failed (session ID, state, step)
//   - ConflictError: a rebase produced content conflicts (conflicting paths)
//
// Semantic errors:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//
// # Usage
//
//	err := errors.NewGitError("push failed", errors.ErrPushRejected).
//		WithBranch("patch/fix-login").
//		WithGitOutput(out)
//
//	if errors.Is(err, errors.ErrPushRejected) { ... }
//
//	var perr *errors.PatchError
//	if errors.As(err, &perr) { ... }
//
// # Classification
//
// Errors carry a severity, a retryable flag and a user-facing flag. Rollback
// failures are always SeverityCritical: they leave the working tree in an
// unknown state and need a human.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require human intervention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Patch session sentinel errors
var (
	// ErrUncommittedChanges indicates the working tree was dirty on entry.
	ErrUncommittedChanges = New("working tree has uncommitted changes")
	// ErrOperationExecution indicates the caller-supplied operation failed.
	ErrOperationExecution = New("operation failed")
	// ErrValidationFailed indicates a validation command exited non-zero.
	ErrValidationFailed = New("validation failed")
	// ErrRollbackFailed indicates the working tree could not be restored.
	ErrRollbackFailed = New("rollback failed")
	// ErrChangeRequestCreation indicates the forge refused to open a change request.
	ErrChangeRequestCreation = New("change request creation failed")
	// ErrWrongBranch indicates a commit was requested on a branch that is not checked out.
	ErrWrongBranch = New("working tree is on a different branch")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrMergeConflict indicates that a rebase or merge produced conflicts.
	ErrMergeConflict = New("merge conflict")
	// ErrPushRejected indicates a non-fast-forward push rejection.
	ErrPushRejected = New("push rejected (non-fast-forward)")
	// ErrNothingToCommit indicates there were no staged changes.
	ErrNothingToCommit = New("nothing to commit")
)

// Forge-related sentinel errors
var (
	// ErrChangeRequestNotFound indicates no change request exists for the query.
	ErrChangeRequestNotFound = New("change request not found")
	// ErrIssueNotFound indicates the tracking issue does not exist.
	ErrIssueNotFound = New("issue not found")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// PatchflowError is the interface shared by all typed errors in this package.
type PatchflowError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("checkout failed", cause).WithBranch("patch/x")
type GitError struct {
	baseError
	Branch     string
	Repository string
	GitOutput  string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *GitError) WithRetryable(r bool) *GitError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, "branch="+e.Branch)
	}
	if e.Repository != "" {
		parts = append(parts, "repo="+e.Repository)
	}
	return e.format("git error", parts)
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ForgeError represents a failure talking to the hosted forge.
type ForgeError struct {
	baseError
	Number int
	Output string
}

// NewForgeError creates a new ForgeError. Forge errors default to retryable
// because most gh failures are network or rate-limit related.
func NewForgeError(message string, cause error) *ForgeError {
	return &ForgeError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithNumber adds a change request or issue number to the error context.
func (e *ForgeError) WithNumber(n int) *ForgeError {
	e.Number = n
	return e
}

// WithOutput adds command output to the error context.
func (e *ForgeError) WithOutput(output string) *ForgeError {
	e.Output = strings.TrimSpace(output)
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *ForgeError) WithRetryable(r bool) *ForgeError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ForgeError) Error() string {
	var parts []string
	if e.Number > 0 {
		parts = append(parts, fmt.Sprintf("number=%d", e.Number))
	}
	return e.format("forge error", parts)
}

// Is checks if this error matches the target.
func (e *ForgeError) Is(target error) bool {
	if _, ok := target.(*ForgeError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PatchError represents a failed step of a patch session.
//
// Example:
//
//	err := errors.NewPatchError("validation failed", errors.ErrValidationFailed).
//		WithSessionID(s.ID).
//		WithStep("validate")
type PatchError struct {
	baseError
	SessionID string
	State     string
	Step      string
}

// NewPatchError creates a new PatchError.
func NewPatchError(message string, cause error) *PatchError {
	sev := SeverityError
	if errors.Is(cause, ErrRollbackFailed) {
		sev = SeverityCritical
	}
	return &PatchError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   sev,
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *PatchError) WithSessionID(id string) *PatchError {
	e.SessionID = id
	return e
}

// WithState adds the session state at failure time.
func (e *PatchError) WithState(state string) *PatchError {
	e.State = state
	return e
}

// WithStep adds the failing step name.
func (e *PatchError) WithStep(step string) *PatchError {
	e.Step = step
	return e
}

// WithSeverity sets the error severity.
func (e *PatchError) WithSeverity(s Severity) *PatchError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *PatchError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, "session="+e.SessionID)
	}
	if e.Step != "" {
		parts = append(parts, "step="+e.Step)
	}
	if e.State != "" {
		parts = append(parts, "state="+e.State)
	}
	return e.format("patch error", parts)
}

// Is checks if this error matches the target.
func (e *PatchError) Is(target error) bool {
	if _, ok := target.(*PatchError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ConflictError reports the paths a rebase could not reconcile.
type ConflictError struct {
	baseError
	Branch string
	Paths  []string
}

// NewConflictError creates a ConflictError wrapping ErrMergeConflict.
func NewConflictError(branch string, paths []string) *ConflictError {
	return &ConflictError{
		baseError: baseError{
			message:    "rebase produced conflicts; manual resolution required",
			cause:      ErrMergeConflict,
			severity:   SeverityError,
			userFacing: true,
		},
		Branch: branch,
		Paths:  paths,
	}
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	parts := []string{"branch=" + e.Branch}
	if len(e.Paths) > 0 {
		parts = append(parts, "paths="+strings.Join(e.Paths, ","))
	}
	return e.format("conflict error", parts)
}

// Is checks if this error matches the target.
func (e *ConflictError) Is(target error) bool {
	if _, ok := target.(*ConflictError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s not found", resourceType),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s %q not found", e.ResourceType, e.ResourceID)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError wrapping ErrInvalidInput.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			cause:      ErrInvalidInput,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error [field=%s]: %s (got: %v)", e.Field, e.message, e.Value)
	}
	return "validation error: " + e.message
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether any error in the chain is marked retryable.
func IsRetryable(err error) bool {
	var pe PatchflowError
	if As(err, &pe) {
		return pe.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// IsUserFacing reports whether the error message is safe to show users.
func IsUserFacing(err error) bool {
	var pe PatchflowError
	if As(err, &pe) {
		return pe.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity of err, defaulting to SeverityError.
// Any error wrapping ErrRollbackFailed is critical regardless of its type.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	if Is(err, ErrRollbackFailed) {
		return SeverityCritical
	}
	var pe PatchflowError
	if As(err, &pe) {
		return pe.Severity()
	}
	return SeverityError
}

// ConflictPaths extracts conflicting paths from err, if it carries any.
func ConflictPaths(err error) []string {
	var ce *ConflictError
	if As(err, &ce) {
		return ce.Paths
	}
	return nil
}
