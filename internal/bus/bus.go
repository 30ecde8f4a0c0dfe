// Package bus implements the per-agent event bus. Publishing never blocks:
// synchronous subscribers are invoked inline, asynchronous subscribers get a
// bounded mailbox that drops the oldest event on overflow.
package bus

import (
	"log/slog"
	"sync"
)

// Event is one published event.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// Handler handles a delivered event.
type Handler func(Event)

// defaultMailbox is the buffer size for async subscribers.
const defaultMailbox = 256

type subscriber struct {
	id      string
	handler Handler

	// async delivery
	mu   sync.Mutex
	box  chan Event
	done chan struct{}
}

// Bus fans events out to registered subscribers. One Bus exists per agent
// instance, never process-global.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscriber)

// WithAsync delivers events on a dedicated goroutine through a bounded
// mailbox of the given size (defaultMailbox when size <= 0). When the
// mailbox is full the oldest queued event is dropped.
func WithAsync(size int) SubscribeOption {
	if size <= 0 {
		size = defaultMailbox
	}
	return func(s *subscriber) {
		s.box = make(chan Event, size)
		s.done = make(chan struct{})
	}
}

// Subscribe registers a handler under id, replacing any previous
// subscription with the same id.
func (b *Bus) Subscribe(id string, h Handler, opts ...SubscribeOption) {
	sub := &subscriber{id: id, handler: h}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if old, ok := b.subs[id]; ok {
		old.stop()
	}
	b.subs[id] = sub
	b.mu.Unlock()

	if sub.box != nil {
		go sub.drain()
	}
}

// Unsubscribe removes the subscription with the given id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// Publish delivers ev to all subscribers. Synchronous handlers run inline on
// the caller's goroutine; async handlers receive via their mailbox.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.box == nil {
			s.handler(ev)
			continue
		}
		s.enqueue(ev)
	}
}

// Close stops all async subscribers and rejects further subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// enqueue adds ev to the mailbox, dropping the oldest queued event when full.
func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	for {
		select {
		case s.box <- ev:
			return
		default:
		}
		select {
		case dropped := <-s.box:
			slog.Debug("bus.event.dropped", "subscriber", s.id, "event", dropped.Name)
		default:
		}
	}
}

func (s *subscriber) drain() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.box:
			s.handler(ev)
		}
	}
}

func (s *subscriber) stop() {
	if s.done == nil {
		return
	}
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
}
