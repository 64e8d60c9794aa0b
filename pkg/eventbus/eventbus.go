// Package eventbus implements the process-wide agent-event bus (C10): an
// in-process publish/subscribe registry keyed by run identifier, adapted
// from the hub's client-registry-and-non-blocking-broadcast idiom
// (pkg/ipc/hub.go) and re-keyed from session id to run id.
package eventbus

import (
	"sync"
)

// Stream distinguishes the two event kinds a run produces.
type Stream string

const (
	StreamLifecycle Stream = "lifecycle"
	StreamAssistant Stream = "assistant"
)

// Phase enumerates lifecycle phases; only End and Error are terminal.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseDelta Phase = "delta"
	PhaseEnd   Phase = "end"
	PhaseError Phase = "error"
)

// Event is a single unit of run progress, published by the agent engine
// and delivered to every live subscriber of its RunID.
type Event struct {
	RunID    string
	Stream   Stream
	Phase    Phase
	Text     string         // assistant delta text, when Stream == assistant
	Payloads []string       // accumulated non-empty payload texts, set on terminal events
	Metadata map[string]any // token counts and similar, set on terminal events
}

// IsTerminal reports whether the event ends the run: a lifecycle event
// whose phase is "end" or "error" (§4.10).
func (e Event) IsTerminal() bool {
	return e.Stream == StreamLifecycle && (e.Phase == PhaseEnd || e.Phase == PhaseError)
}

// Subscription is a live handle returned by Subscribe. Events delivers
// every event published for the subscribed run id; the channel is closed
// (and the subscription removed) after a terminal event is delivered, or
// when Unsubscribe is called explicitly.
type Subscription struct {
	Events <-chan Event

	bus   *Bus
	runID string
	ch    chan Event
	once  sync.Once
}

// Unsubscribe removes the subscription and closes its channel. Safe to
// call more than once and safe to call after a terminal event has
// already closed it.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.runID, s)
		close(s.ch)
	})
}

// Bus is the process-wide run-event registry described by §4.10 and §9:
// subscriptions are keyed by run id, subscribers are value handles, and
// unsubscribe is explicit (and automatic on terminal events). Publish is
// safe to call concurrently for different run ids; delivery within one
// run id is FIFO because the caller (the single agent-engine producer for
// that run) calls Publish sequentially.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	mirror func(Event)
	health func() error
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// SetMirror installs fn to be called with every locally-published event, in
// addition to normal subscriber delivery. It exists for the optional NATS
// bridge (see NewNATSBridge) and must be called before Publish is used
// concurrently; passing nil disables mirroring.
func (b *Bus) SetMirror(fn func(Event)) {
	b.mu.Lock()
	b.mirror = fn
	b.mu.Unlock()
}

// SetHealthCheck installs fn as the bus's reachability check, consulted by
// Healthy (and, through it, /readyz). A nil fn (the default) means the bus
// is always healthy, since the in-process default has no external
// dependency to fail.
func (b *Bus) SetHealthCheck(fn func() error) {
	b.mu.Lock()
	b.health = fn
	b.mu.Unlock()
}

// Healthy reports whether the bus (and any backend it mirrors to) is
// reachable.
func (b *Bus) Healthy() error {
	b.mu.RLock()
	health := b.health
	b.mu.RUnlock()
	if health == nil {
		return nil
	}
	return health()
}

// Subscribe registers a new subscription for runID with a fixed buffer of
// 64 events; a subscriber whose buffer is full is dropped (see Publish).
func (b *Bus) Subscribe(runID string) *Subscription {
	return b.subscribeBuffered(runID, 64)
}

func (b *Bus) subscribeBuffered(runID string, bufferSize int) *Subscription {
	ch := make(chan Event, bufferSize)
	sub := &Subscription{Events: ch, bus: b, runID: runID, ch: ch}

	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers event to every live subscriber of event.RunID. Events
// for run ids with no subscribers are silently dropped (§4.10). A
// subscriber whose channel is full is treated as gone: it is removed and
// its channel closed rather than blocking the single producer. Terminal
// events are delivered and then cause every remaining subscriber for
// that run id to be auto-unsubscribed, per §4.10 and the Open Question
// decision recorded in DESIGN.md (no replay for late subscribers).
func (b *Bus) Publish(event Event) {
	b.deliverLocal(event)

	b.mu.RLock()
	mirror := b.mirror
	b.mu.RUnlock()
	if mirror != nil {
		mirror(event)
	}
}

// deliverLocal fans event out to this process's own subscribers only. It is
// also the entry point used by NewNATSBridge for events arriving from a
// remote publisher, so a bridged event is never re-published back onto NATS.
func (b *Bus) deliverLocal(event Event) {
	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subs[event.RunID]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			sub.Unsubscribe()
		}
	}

	if event.IsTerminal() {
		b.mu.RLock()
		remaining := append([]*Subscription(nil), b.subs[event.RunID]...)
		b.mu.RUnlock()
		for _, sub := range remaining {
			sub.Unsubscribe()
		}
	}
}

// remove deletes sub from its run id's subscriber list.
func (b *Bus) remove(runID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[runID]
	for i, s := range list {
		if s == sub {
			b.subs[runID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[runID]) == 0 {
		delete(b.subs, runID)
	}
}

// SubscriberCount reports how many live subscriptions exist for runID,
// for tests and diagnostics.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
