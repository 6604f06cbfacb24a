package events

import (
	"sync"

	"go.uber.org/zap"
)

// Bus fans events out to subscribers. Coalescible events are dropped for a
// full subscriber; all other events block the publisher until delivered or
// until the subscription or the bus is closed.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	done   chan struct{}
	once   sync.Once
	logger *zap.SugaredLogger
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewBus creates an empty bus.
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Subscribe registers a consumer with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	s := &Subscription{
		bus:  b,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		s.once.Do(func() { close(s.done) })
		close(s.ch)
		return s
	default:
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers e to every current subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	for s := range b.subs {
		if Coalescible(e) {
			select {
			case s.ch <- e:
			default:
				b.logger.Debugw("Dropping coalescible event for slow subscriber", "kind", e.Kind())
			}
			continue
		}
		select {
		case s.ch <- e:
		case <-s.done:
		case <-b.done:
			return
		}
	}
}

// Close stops delivery and closes every subscription channel.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.once.Do(func() { close(s.done) })
		close(s.ch)
		delete(b.subs, s)
	}
}

// C yields events in publish order. It is closed when the subscription or
// the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription. Publishers blocked on it are released.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.ch)
	}
}
