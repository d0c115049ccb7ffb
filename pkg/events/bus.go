package events

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// Bus is the in-process event fan-out. Publishers never block: when a
// subscriber's buffer is full the event is dropped for that subscriber and
// counted. Delivery order is FIFO per subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	dropped atomic.Int64
}

// Subscription receives events matching its type prefixes.
type Subscription struct {
	name     string
	prefixes []string
	ch       chan models.Event
	bus      *Bus

	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given buffer size. Events whose
// type starts with any of the prefixes are delivered; no prefixes means all
// events. The returned subscription must be closed when no longer needed.
func (b *Bus) Subscribe(name string, buffer int, prefixes ...string) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		name:     name,
		prefixes: prefixes,
		ch:       make(chan models.Event, buffer),
		bus:      b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(evt models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		if !sub.matches(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			n := sub.dropped.Add(1)
			slog.Warn("Event bus subscriber buffer full, dropping event",
				"subscriber", sub.name,
				"event_type", evt.Type,
				"dropped_total", n)
		}
	}
}

// Dropped returns the total number of events dropped across all subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.closeOnce.Do(func() { close(sub.ch) })
		delete(b.subs, sub)
	}
}

// Events returns the subscription's delivery channel. The channel is closed
// when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// Dropped returns how many events this subscriber missed due to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close removes the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	_, registered := s.bus.subs[s]
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	if registered {
		s.closeOnce.Do(func() { close(s.ch) })
	}
}

func (s *Subscription) matches(eventType string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}
