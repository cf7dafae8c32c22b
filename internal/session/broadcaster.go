package session

import (
	"sync"
	"sync/atomic"
)

type EventKind int

const (
	EventOutput EventKind = iota
	EventClosed
)

// Event is what attached clients receive from a session: raw output
// bytes, or a closure notification with a reason.
type Event struct {
	Kind   EventKind
	Output []byte
	Reason string
}

// EventBroadcaster fans session events out to subscribers. Sends never
// block: a subscriber that cannot keep up loses events rather than
// stalling the read loop.
type EventBroadcaster struct {
	mu     sync.Mutex
	subs   map[int64]chan Event
	closed bool
	seq    int64
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subs: make(map[int64]chan Event),
	}
}

func (b *EventBroadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := atomic.AddInt64(&b.seq, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
}

func (b *EventBroadcaster) Broadcast(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
	b.mu.Unlock()
}
