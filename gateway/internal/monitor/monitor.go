// Package monitor publishes gateway lifecycle events on an in-process
// bus and keeps a ring of recent events for inspection.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/olebedev/emitter"
)

// Event topics.
const (
	TopicKeyIssued   = "key.issued"
	TopicKeyRevoked  = "key.revoked"
	TopicAuthDenied  = "auth.denied"
	TopicRateLimited = "rate.limited"
	TopicRequest     = "request"
)

// Event is one observed gateway occurrence.
type Event struct {
	Topic      string    `json:"topic"`
	KeyID      string    `json:"key_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Monitor fans events out to subscribers and retains the most recent
// ones in a fixed-size ring.
type Monitor struct {
	emitter   *emitter.Emitter
	ring      *eventRing
	published atomic.Int64
}

// New creates a monitor retaining ringSize recent events.
func New(bufferSize, ringSize int) *Monitor {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if ringSize <= 0 {
		ringSize = 256
	}
	return &Monitor{
		emitter: emitter.New(uint(bufferSize)),
		ring:    newEventRing(ringSize),
	}
}

// Publish records the event and notifies subscribers without blocking
// the caller on slow consumers.
func (m *Monitor) Publish(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	m.ring.add(event)
	m.published.Add(1)
	m.emitter.Emit(event.Topic, event)
}

// Subscribe returns a channel of events for a topic. The topic may use
// the emitter's wildcard syntax, e.g. "key.*".
func (m *Monitor) Subscribe(topic string) <-chan emitter.Event {
	return m.emitter.On(topic)
}

// Unsubscribe detaches a channel obtained from Subscribe.
func (m *Monitor) Unsubscribe(topic string, ch <-chan emitter.Event) {
	m.emitter.Off(topic, ch)
}

// Recent returns up to n of the latest events, oldest first.
func (m *Monitor) Recent(n int) []Event {
	return m.ring.recent(n)
}

// Published returns the total number of events seen.
func (m *Monitor) Published() int64 {
	return m.published.Load()
}

// Close detaches every subscriber. Publish calls after Close only feed
// the ring.
func (m *Monitor) Close() {
	m.emitter.Off("*")
}

// eventRing is a fixed-size ring of events.
type eventRing struct {
	events []Event
	head   int
	count  int
	mu     sync.RWMutex
}

func newEventRing(size int) *eventRing {
	return &eventRing{events: make([]Event, size)}
}

func (r *eventRing) add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.head] = event
	r.head = (r.head + 1) % len(r.events)
	if r.count < len(r.events) {
		r.count++
	}
}

func (r *eventRing) recent(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (r.head - n + i + len(r.events)) % len(r.events)
		result[i] = r.events[idx]
	}
	return result
}
