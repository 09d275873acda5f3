package event

import "time"

// Event is implemented by every published event.
type Event interface {
	// EventType identifies the event as "category.action".
	EventType() string
	// Timestamp is when the event occurred.
	Timestamp() time.Time
}

// Event types.
const (
	TypeSessionStateChanged   = "session.state_changed"
	TypeSessionCompleted      = "session.completed"
	TypeChangeRequestOpened   = "change_request.opened"
	TypeConflictDetected      = "conflict.detected"
	TypeSuggestionApplied     = "review.suggestion_applied"
	TypeSuggestionSkipped     = "review.suggestion_skipped"
	TypeMonitorStopped        = "monitor.stopped"
	TypeTrackingIssueResolved = "issue.resolved"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// SessionStateChangedEvent is emitted on every patch session transition.
type SessionStateChangedEvent struct {
	baseEvent
	SessionID string
	Branch    string
	From      string
	To        string
}

// NewSessionStateChangedEvent creates a SessionStateChangedEvent.
func NewSessionStateChangedEvent(sessionID, branch, from, to string) SessionStateChangedEvent {
	return SessionStateChangedEvent{
		baseEvent: newBaseEvent(TypeSessionStateChanged),
		SessionID: sessionID,
		Branch:    branch,
		From:      from,
		To:        to,
	}
}

// SessionCompletedEvent is emitted when RunPatch returns.
type SessionCompletedEvent struct {
	baseEvent
	SessionID        string
	Branch           string
	Success          bool
	RolledBack       bool
	ChangeRequestURL string
	Error            string
}

// NewSessionCompletedEvent creates a SessionCompletedEvent.
func NewSessionCompletedEvent(sessionID, branch string, success, rolledBack bool, url, errMsg string) SessionCompletedEvent {
	return SessionCompletedEvent{
		baseEvent:        newBaseEvent(TypeSessionCompleted),
		SessionID:        sessionID,
		Branch:           branch,
		Success:          success,
		RolledBack:       rolledBack,
		ChangeRequestURL: url,
		Error:            errMsg,
	}
}

// ChangeRequestOpenedEvent is emitted once a change request exists for a session.
type ChangeRequestOpenedEvent struct {
	baseEvent
	SessionID   string
	Number      int
	URL         string
	Branch      string
	IssueNumber int
}

// NewChangeRequestOpenedEvent creates a ChangeRequestOpenedEvent.
func NewChangeRequestOpenedEvent(sessionID string, number int, url, branch string, issue int) ChangeRequestOpenedEvent {
	return ChangeRequestOpenedEvent{
		baseEvent:   newBaseEvent(TypeChangeRequestOpened),
		SessionID:   sessionID,
		Number:      number,
		URL:         url,
		Branch:      branch,
		IssueNumber: issue,
	}
}

// ConflictDetectedEvent is emitted when a rebase before push hits conflicts.
type ConflictDetectedEvent struct {
	baseEvent
	Branch string
	Paths  []string
}

// NewConflictDetectedEvent creates a ConflictDetectedEvent.
func NewConflictDetectedEvent(branch string, paths []string) ConflictDetectedEvent {
	return ConflictDetectedEvent{
		baseEvent: newBaseEvent(TypeConflictDetected),
		Branch:    branch,
		Paths:     paths,
	}
}

// SuggestionAppliedEvent is emitted when a review suggestion is written to the tree.
type SuggestionAppliedEvent struct {
	baseEvent
	ChangeRequest int
	CommentID     int64
	Path          string
	Line          int
	EndLine       int
}

// NewSuggestionAppliedEvent creates a SuggestionAppliedEvent.
func NewSuggestionAppliedEvent(cr int, commentID int64, path string, line, endLine int) SuggestionAppliedEvent {
	return SuggestionAppliedEvent{
		baseEvent:     newBaseEvent(TypeSuggestionApplied),
		ChangeRequest: cr,
		CommentID:     commentID,
		Path:          path,
		Line:          line,
		EndLine:       endLine,
	}
}

// SuggestionSkippedEvent is emitted when a suggestion is not applied or is reverted.
type SuggestionSkippedEvent struct {
	baseEvent
	ChangeRequest int
	CommentID     int64
	Path          string
	Reason        string
}

// NewSuggestionSkippedEvent creates a SuggestionSkippedEvent.
func NewSuggestionSkippedEvent(cr int, commentID int64, path, reason string) SuggestionSkippedEvent {
	return SuggestionSkippedEvent{
		baseEvent:     newBaseEvent(TypeSuggestionSkipped),
		ChangeRequest: cr,
		CommentID:     commentID,
		Path:          path,
		Reason:        reason,
	}
}

// MonitorStoppedEvent is emitted when a background monitor exits.
type MonitorStoppedEvent struct {
	baseEvent
	Monitor       string // "review" or "tracking"
	ChangeRequest int
	Reason        string
}

// NewMonitorStoppedEvent creates a MonitorStoppedEvent.
func NewMonitorStoppedEvent(monitor string, cr int, reason string) MonitorStoppedEvent {
	return MonitorStoppedEvent{
		baseEvent:     newBaseEvent(TypeMonitorStopped),
		Monitor:       monitor,
		ChangeRequest: cr,
		Reason:        reason,
	}
}

// TrackingIssueResolvedEvent is emitted when the tracking resolver reaches an outcome.
type TrackingIssueResolvedEvent struct {
	baseEvent
	Issue         int
	ChangeRequest int
	Outcome       string
}

// NewTrackingIssueResolvedEvent creates a TrackingIssueResolvedEvent.
func NewTrackingIssueResolvedEvent(issue, cr int, outcome string) TrackingIssueResolvedEvent {
	return TrackingIssueResolvedEvent{
		baseEvent:     newBaseEvent(TypeTrackingIssueResolved),
		Issue:         issue,
		ChangeRequest: cr,
		Outcome:       outcome,
	}
}
