// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the admission controller, rate
// limiter, registry and record store to subscribers (the MQTT
// publisher's event counters, debug tooling). The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from the admission controller.
	SourceSession = "session"
	// SourceRateLimit identifies events from the token-bucket limiter.
	SourceRateLimit = "ratelimit"
	// SourceRegistry identifies events from the capability registry.
	SourceRegistry = "registry"
	// SourceRecords identifies events from the record store.
	SourceRecords = "records"
	// SourceBridge identifies events from the chat bridge.
	SourceBridge = "bridge"
)

// Kind constants describe the type of event within a source.
const (
	// KindSessionAdmitted signals a new session took an admission slot.
	// Data: session_id, session_key, owner, active.
	KindSessionAdmitted = "session_admitted"
	// KindSessionRejected signals an admission request hit a limit.
	// Data: session_key, owner, limit.
	KindSessionRejected = "session_rejected"
	// KindSessionReleased signals a session left the active set.
	// Data: session_id, session_key, owner, status, reason.
	KindSessionReleased = "session_released"
	// KindSessionReclaimed signals the sweeper timed a session out.
	// Data: session_id, session_key, owner, reason.
	KindSessionReclaimed = "session_reclaimed"

	// KindRateWait signals a caller queued behind an empty bucket.
	// Data: identity, position.
	KindRateWait = "rate_wait"
	// KindRateTimeout signals a queued caller gave up.
	// Data: identity, waited_ms.
	KindRateTimeout = "rate_timeout"
	// KindBucketsEvicted signals the janitor dropped idle buckets.
	// Data: evicted.
	KindBucketsEvicted = "buckets_evicted"

	// KindRegistryReloaded signals a new snapshot was published.
	// Data: version, capabilities.
	KindRegistryReloaded = "registry_reloaded"
	// KindRegistryReloadFailed signals a rebuild failed and the old
	// snapshot stayed current. Data: version, error.
	KindRegistryReloadFailed = "registry_reload_failed"

	// KindRecordAppended signals an entry was appended to a record.
	// Data: key, id, count.
	KindRecordAppended = "record_appended"

	// KindMessageReceived signals an inbound chat message.
	// Data: sender, room, thread.
	KindMessageReceived = "message_received"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu sync.RWMutex
	// subs is keyed by the receive side handed to the subscriber, so
	// Unsubscribe can find the send side to close.
	subs map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room in its buffer and
// stamps a zero Timestamp with the current time. No-op on a nil Bus.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber with a buffer of bufSize events
// (at least one). Pair every Subscribe with an Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, max(bufSize, 1))
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe closes ch and stops delivery to it. Unknown or already
// closed subscriptions are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit publishes an event built from source, kind and alternating
// key/value pairs. Pairs with a non-string key and a trailing key
// without a value are skipped. No-op on a nil Bus.
func (b *Bus) Emit(source, kind string, kv ...any) {
	if b == nil {
		return
	}
	data := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			data[key] = kv[i+1]
		}
	}
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}
