package podmgr

import (
	"sync"
	"time"
)

// EventType is one of the six lifecycle transitions the Pod Manager
// reports to local subscribers, per spec.md §4.2.
type EventType string

const (
	EventCreated     EventType = "created"
	EventStarted     EventType = "started"
	EventStopped     EventType = "stopped"
	EventFailed      EventType = "failed"
	EventDeleted     EventType = "deleted"
	EventHealthCheck EventType = "health_check"
)

// Event is one emission to a Subscriber. Data carries type-specific
// payload (e.g. a ContainerStatus); Err is set for EventFailed.
type Event struct {
	PodID     string
	Type      EventType
	Timestamp time.Time
	Data      any
	Err       error
}

// Subscriber receives Events on a buffered channel. Event loss is
// acceptable (spec.md §4.2) — a full channel drops the event rather than
// blocking the pod's own lifecycle pipeline.
type Subscriber chan Event

const subscriberBuffer = 32

// bus fans an Event out to every currently-subscribed channel without
// blocking on any of them.
type bus struct {
	mu   sync.Mutex
	subs []Subscriber
}

func newBus() *bus {
	return &bus{}
}

func (b *bus) subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, subscriberBuffer)
	b.subs = append(b.subs, sub)
	return sub
}

func (b *bus) unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s)
			return
		}
	}
}

func (b *bus) emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			// subscriber is slow or not draining; drop rather than block
			// the pod pipeline, per spec.md's "event loss is acceptable".
		}
	}
}
