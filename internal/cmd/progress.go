package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Iron-Ham/patchflow/internal/event"
)

// progressPrinter renders orchestrator and monitor events as one line each.
// Monitors publish from their own goroutines, so writes are serialized.
type progressPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// followProgress subscribes a progressPrinter to every event on bus and
// returns a function that unsubscribes it.
func followProgress(bus *event.Bus, w io.Writer, color bool) func() {
	p := &progressPrinter{w: w, color: color}
	id := bus.SubscribeAll(p.handle)
	return func() { bus.Unsubscribe(id) }
}

func (p *progressPrinter) handle(e event.Event) {
	line := progressLine(e, p.color)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

// progressLine formats an event, or returns "" for events not worth a line.
func progressLine(e event.Event, color bool) string {
	stamp := paint(mutedStyle, e.Timestamp().Local().Format("15:04:05"), color)

	switch ev := e.(type) {
	case event.SessionStateChangedEvent:
		return fmt.Sprintf("%s %s → %s", stamp, paint(mutedStyle, ev.From, color), paint(stateStyle(ev.To), ev.To, color))
	case event.ConflictDetectedEvent:
		return fmt.Sprintf("%s %s on %s: %s", stamp, paint(errorStyle, "conflict", color), ev.Branch, strings.Join(ev.Paths, ", "))
	case event.ChangeRequestOpenedEvent:
		return fmt.Sprintf("%s pull request #%d opened: %s", stamp, ev.Number, paint(accentStyle, ev.URL, color))
	case event.SuggestionAppliedEvent:
		return fmt.Sprintf("%s %s suggestion from comment %d to %s:%d", stamp, paint(successStyle, "applied", color), ev.CommentID, ev.Path, ev.Line)
	case event.SuggestionSkippedEvent:
		return fmt.Sprintf("%s %s comment %d (%s)", stamp, paint(warningStyle, "skipped", color), ev.CommentID, ev.Reason)
	case event.MonitorStoppedEvent:
		return fmt.Sprintf("%s %s monitor for #%d stopped: %s", stamp, ev.Monitor, ev.ChangeRequest, ev.Reason)
	case event.TrackingIssueResolvedEvent:
		return fmt.Sprintf("%s tracking issue #%d: %s", stamp, ev.Issue, ev.Outcome)
	default:
		return ""
	}
}
