package emit

import (
	"context"
	"sync"
)

// Bus fans a single stream of Events out to many subscribers (spec.md §4.8:
// "An internal pub/sub"). The teacher's graph/emit.Emitter is a single
// sink per engine; Bus generalizes that into the multi-subscriber model the
// spec requires. Events reach the Persistence Service's durable event log
// through the engine's own persist call, not through a Bus subscriber.
//
// Delivery is best-effort and non-blocking with respect to the publisher:
// each subscriber gets its own buffered channel and a goroutine draining it;
// a slow or stuck subscriber drops events rather than blocking Publish.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
}

type subscription struct {
	ch     chan Event
	done   chan struct{}
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]*subscription)}
}

// Subscribe registers fn to receive every future Event published on the
// bus. The returned unsubscribe func stops delivery and releases resources;
// callers must call it to avoid leaking the drain goroutine.
func (b *Bus) Subscribe(bufferSize int, fn func(Event)) (unsubscribe func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	sub := &subscription{ch: make(chan Event, bufferSize), done: make(chan struct{})}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				fn(ev)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok && !s.closed {
			s.closed = true
			close(s.done)
			delete(b.subscribers, id)
		}
	}
}

// Emit implements Emitter: publish to every current subscriber, dropping
// the event for any subscriber whose buffer is full rather than blocking.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			// Buffer full: drop for this subscriber. Persisted events
			// (spec.md §4.2 emit_event/get_events) remain the durable
			// record for late subscribers; the bus is best-effort only.
		}
	}
}

// Flush is a no-op: Bus has no internal buffering of its own beyond the
// per-subscriber channels, which are drained continuously.
func (b *Bus) Flush(context.Context) error { return nil }
