package events

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// Publisher is the outbound notification sink. Publishing is fire-and-forget
// for the caller: a returned error is logged, never fatal.
type Publisher interface {
	Publish(Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event) error

func (f PublisherFunc) Publish(e Event) error { return f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) error { return nil })

// Handler processes one event.
type Handler func(Event)

// Filter selects which events a subscription sees. Nil means all.
type Filter func(Event) bool

// OfType returns a Filter accepting only the given types.
func OfType(types ...Type) Filter {
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// Subscription is returned by Subscribe/SubscribeChannel.
type Subscription struct {
	id      uint64
	filter  Filter
	handler Handler
	ch      chan Event

	mu     sync.Mutex
	closed bool
}

// C is the delivery channel of a channel subscription; nil for handlers.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.ch != nil {
		close(s.ch)
	}
}

// deliver sends to the channel without blocking; false means dropped.
func (s *Subscription) deliver(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

// Stats counts bus activity.
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// Bus fans events out to subscribers. Handlers run synchronously in
// subscription order so listeners observe the startup sequence in order;
// channel subscribers never block the publisher and drop when full.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   []*Subscription
	nextID uint64
	closed bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Subscribe registers a handler. A panicking handler is logged and skipped.
func (b *Bus) Subscribe(filter Filter, h Handler) *Subscription {
	return b.add(&Subscription{filter: filter, handler: h})
}

// SubscribeChannel registers a buffered channel subscription.
func (b *Bus) SubscribeChannel(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	return b.add(&Subscription{filter: filter, ch: make(chan Event, buffer)})
}

func (b *Bus) add(s *Subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.close()
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs = append(b.subs, s)
	return s
}

// Unsubscribe removes s and closes its channel.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	for i, cur := range b.subs {
		if cur.id == s.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.close()
}

// Publish implements Publisher.
func (b *Bus) Publish(e Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	b.published.Add(1)
	for _, s := range subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		if s.handler != nil {
			b.call(s.handler, e)
			b.delivered.Add(1)
			continue
		}
		if s.deliver(e) {
			b.delivered.Add(1)
		} else {
			b.dropped.Add(1)
			b.log.Warn("event dropped, subscriber full", "type", e.Type)
		}
	}
	return nil
}

func (b *Bus) call(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic", "type", e.Type, "panic", r)
		}
	}()
	h(e)
}

func (b *Bus) Stats() Stats {
	return Stats{Published: b.published.Load(), Delivered: b.delivered.Load(), Dropped: b.dropped.Load()}
}

// Close rejects further publishes and closes every channel subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Recorder is a Publisher that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists recorded event types in order.
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
