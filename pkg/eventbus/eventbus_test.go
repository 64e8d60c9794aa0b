package eventbus

import (
	"testing"
	"time"
)

func TestPublishDropsWithNoSubscribers(t *testing.T) {
	bus := New()
	// Should not panic or block.
	bus.Publish(Event{RunID: "run-1", Stream: StreamAssistant, Text: "hi"})
	if bus.SubscriberCount("run-1") != 0 {
		t.Fatalf("expected no subscribers")
	}
}

func TestSubscribeReceivesEventsInOrder(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("run-1")
	defer sub.Unsubscribe()

	bus.Publish(Event{RunID: "run-1", Stream: StreamAssistant, Text: "Hel"})
	bus.Publish(Event{RunID: "run-1", Stream: StreamAssistant, Text: "lo"})
	bus.Publish(Event{RunID: "run-1", Stream: StreamLifecycle, Phase: PhaseEnd})

	var texts []string
	for i := 0; i < 2; i++ {
		select {
		case e := <-sub.Events:
			texts = append(texts, e.Text)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	if texts[0] != "Hel" || texts[1] != "lo" {
		t.Fatalf("unexpected order: %v", texts)
	}

	select {
	case e, ok := <-sub.Events:
		if !ok {
			t.Fatal("channel closed before terminal event delivered")
		}
		if !e.IsTerminal() {
			t.Fatalf("expected terminal event, got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal event")
	}

	// Terminal event auto-unsubscribes: channel should now be closed.
	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Fatal("expected channel closed after terminal event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	if bus.SubscriberCount("run-1") != 0 {
		t.Fatalf("expected subscriber removed after terminal event")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("run-1")
	sub.Unsubscribe()
	sub.Unsubscribe() // must not panic on double close
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	bus := New()
	sub := bus.subscribeBuffered("run-1", 1)
	defer sub.Unsubscribe()

	// Fill the buffer, then publish past capacity: producer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{RunID: "run-1", Stream: StreamAssistant, Text: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestMirrorSeesLocalPublishButNotDeliverLocal(t *testing.T) {
	bus := New()
	var mirrored []Event
	bus.SetMirror(func(e Event) { mirrored = append(mirrored, e) })

	bus.Publish(Event{RunID: "run-1", Stream: StreamAssistant, Text: "local"})
	bus.deliverLocal(Event{RunID: "run-1", Stream: StreamAssistant, Text: "remote"})

	if len(mirrored) != 1 || mirrored[0].Text != "local" {
		t.Fatalf("expected only the locally-published event to be mirrored, got %+v", mirrored)
	}
}

func TestSetMirrorNilDisablesMirroring(t *testing.T) {
	bus := New()
	calls := 0
	bus.SetMirror(func(Event) { calls++ })
	bus.SetMirror(nil)

	bus.Publish(Event{RunID: "run-1", Stream: StreamAssistant, Text: "x"})

	if calls != 0 {
		t.Fatalf("expected mirror to be disabled, got %d calls", calls)
	}
}

func TestIndependentRunsDoNotInterfere(t *testing.T) {
	bus := New()
	subA := bus.Subscribe("run-a")
	subB := bus.Subscribe("run-b")
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	bus.Publish(Event{RunID: "run-a", Stream: StreamAssistant, Text: "a"})

	select {
	case e := <-subA.Events:
		if e.Text != "a" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	select {
	case e := <-subB.Events:
		t.Fatalf("run-b received an event meant for run-a: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
