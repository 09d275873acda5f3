package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/patchflow/internal/logging"
)

func TestBus_Publish(t *testing.T) {
	bus := NewBus(nil)

	var received Event
	id := bus.Subscribe(TypeChangeRequestOpened, func(e Event) {
		received = e
	})
	if id == "" {
		t.Fatal("Subscribe should return a non-empty ID")
	}

	bus.Publish(NewChangeRequestOpenedEvent("s1", 42, "https://forge.test/pull/42", "patch/x", 7))

	opened, ok := received.(ChangeRequestOpenedEvent)
	if !ok {
		t.Fatalf("received %T, want ChangeRequestOpenedEvent", received)
	}
	if opened.Number != 42 || opened.IssueNumber != 7 {
		t.Errorf("unexpected payload: %+v", opened)
	}
	if opened.Timestamp().IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestBus_NonMatchingTypeNotDelivered(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(TypeMonitorStopped, func(Event) {
		t.Error("handler should not be called for another event type")
	})
	bus.Publish(NewConflictDetectedEvent("patch/x", []string{"a.go"}))
}

func TestBus_OrderSpecificThenWildcard(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe(TypeSessionCompleted, func(Event) { order = append(order, "first") })
	bus.Subscribe(TypeSessionCompleted, func(Event) { order = append(order, "second") })

	bus.Publish(NewSessionCompletedEvent("s1", "patch/x", true, false, "", ""))

	want := "first,second,all"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	keep := bus.Subscribe(TypeMonitorStopped, func(Event) { calls++ })
	drop := bus.Subscribe(TypeMonitorStopped, func(Event) { calls += 10 })

	if !bus.Unsubscribe(drop) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe("sub-missing") {
		t.Error("Unsubscribe of unknown ID should return false")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}

	bus.Publish(NewMonitorStoppedEvent("review", 1, "merged"))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if keep == drop {
		t.Error("subscription IDs should be unique")
	}
}

func TestBus_HandlerPanicIsLogged(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.NewLoggerWithWriter(&buf, "debug"))

	reached := false
	bus.Subscribe(TypeSuggestionApplied, func(Event) { panic("boom") })
	bus.Subscribe(TypeSuggestionApplied, func(Event) { reached = true })

	bus.Publish(NewSuggestionAppliedEvent(1, 2, "a.go", 3, 3))

	if !reached {
		t.Error("handler after a panicking one should still run")
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewTrackingIssueResolvedEvent(1, 2, "closed"))
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("count = %d, want 50", count)
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) != Discard {
		t.Error("nil publisher should become Discard")
	}
	rec := &Recorder{}
	if OrDiscard(rec) != Publisher(rec) {
		t.Error("non-nil publisher should be returned unchanged")
	}
	rec.Publish(NewSessionStateChangedEvent("s1", "patch/x", "created", "branch_ready"))
	if got := rec.Types(); len(got) != 1 || got[0] != TypeSessionStateChanged {
		t.Errorf("Types() = %v", got)
	}
}
