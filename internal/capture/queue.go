package capture

import (
	"sync"
	"sync/atomic"
	"time"
)

// PointerEvent is a captured absolute pointer position.
type PointerEvent struct {
	X, Y int
	At   time.Time
}

// Queue is a bounded FIFO between the input hook and the sender. When full
// the oldest event is discarded so the hook never blocks.
type Queue struct {
	mu      sync.Mutex
	ch      chan PointerEvent
	closed  bool
	dropped atomic.Uint64
}

// NewQueue creates a queue holding up to size events.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan PointerEvent, size)}
}

// Push enqueues ev, evicting the oldest event if the queue is full. It
// reports whether an event was evicted.
func (q *Queue) Push(ev PointerEvent) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	for {
		select {
		case q.ch <- ev:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			evicted = true
		default:
		}
	}
}

// Events is the consumer side. It is closed by Close.
func (q *Queue) Events() <-chan PointerEvent {
	return q.ch
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped returns how many events were evicted so far.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close ends the event sequence. Later pushes are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
