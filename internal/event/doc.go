// Package event is a synchronous pub-sub bus for patch lifecycle events.
//
// The orchestrator and the background monitors publish events; the CLI
// subscribes to print progress and the session ledger subscribes to record
// outcomes. Publishers never learn who is listening.
//
// # Event types
//
//   - session.state_changed, session.completed
//   - change_request.opened
//   - conflict.detected
//   - review.suggestion_applied, review.suggestion_skipped
//   - monitor.stopped
//   - issue.resolved
//
// # Usage
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeChangeRequestOpened, func(e event.Event) {
//	    opened := e.(event.ChangeRequestOpenedEvent)
//	    fmt.Println(opened.URL)
//	})
//
// Handlers run on the publisher's goroutine. A panicking handler is logged
// and the remaining handlers still run.
package event
