// Package capture turns local input into outbound pointer events while
// capture is on, and keeps it from reaching the local desktop.
package capture

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"pointerlink/internal/events"
	"pointerlink/internal/hotkey"
	"pointerlink/internal/input"
	"pointerlink/internal/metrics"
)

// DefaultHotkey toggles capture.
const DefaultHotkey = "F12"

// State is the capture flag shared by the input hook and the sender.
type State struct {
	active atomic.Bool
}

// Active reports whether capture is on.
func (s *State) Active() bool {
	return s.active.Load()
}

// set stores on and reports whether the value changed.
func (s *State) set(on bool) bool {
	return s.active.Swap(on) != on
}

// Source is the interception callback.
type Source struct {
	state   *State
	queue   *Queue
	keys    *hotkey.Manager
	bus     *events.Bus
	metrics *metrics.Collector
	logger  *zap.SugaredLogger

	// Toggles happen on the hook thread and must not wait on bus
	// subscribers, so they are handed to a notifier goroutine.
	notify    chan bool
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	interceptor input.Interceptor
}

// NewSource creates a source that toggles capture on combo.
func NewSource(state *State, queue *Queue, combo string, bus *events.Bus, m *metrics.Collector, logger *zap.SugaredLogger) (*Source, error) {
	if combo == "" {
		combo = DefaultHotkey
	}
	s := &Source{
		state:   state,
		queue:   queue,
		keys:    hotkey.NewManager(),
		bus:     bus,
		metrics: m,
		logger:  logger,
		notify:  make(chan bool, 64),
		done:    make(chan struct{}),
	}
	if _, err := s.keys.Register(combo, s.Toggle); err != nil {
		return nil, err
	}
	go s.notifier()
	return s, nil
}

// Start installs the source on an OS input hook.
func (s *Source) Start(in input.Interceptor) error {
	if err := in.Start(s.Handle); err != nil {
		return err
	}
	s.mu.Lock()
	s.interceptor = in
	s.mu.Unlock()
	return nil
}

// Handle classifies one input event. It never blocks.
func (s *Source) Handle(ev input.Event) input.Verdict {
	switch ev.Kind {
	case input.KeyDown:
		if s.keys.UpdateState(ev.Key, true) {
			return input.Pass
		}
	case input.KeyUp:
		s.keys.UpdateState(ev.Key, false)
		if s.keys.Involves(ev.Key) {
			return input.Pass
		}
	case input.PointerMove:
		if s.state.Active() {
			if s.queue.Push(PointerEvent{X: ev.X, Y: ev.Y, At: ev.Time}) {
				s.metrics.PointerDropped()
			}
			s.metrics.PointerEnqueued()
			return input.Suppress
		}
	}

	if s.state.Active() {
		return input.Suppress
	}
	return input.Pass
}

// Toggle flips capture.
func (s *Source) Toggle() {
	s.SetActive(!s.state.Active())
}

// SetActive turns capture on or off and announces the change.
func (s *Source) SetActive(on bool) {
	if !s.state.set(on) {
		return
	}
	s.metrics.SetCapture(on)
	s.logger.Infow("Capture toggled", "active", on)
	select {
	case s.notify <- on:
	default:
		s.logger.Warnw("Capture notification backlog full", "active", on)
	}
}

// Active reports whether capture is on.
func (s *Source) Active() bool {
	return s.state.Active()
}

func (s *Source) notifier() {
	for {
		select {
		case on := <-s.notify:
			if s.bus != nil {
				s.bus.Publish(events.CaptureToggled{Active: on})
			}
		case <-s.done:
			return
		}
	}
}

// Close removes the hook, turns capture off and ends the event sequence.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		in := s.interceptor
		s.interceptor = nil
		s.mu.Unlock()
		if in != nil {
			err = in.Stop()
		}
		s.state.set(false)
		s.queue.Close()
		close(s.done)
	})
	return err
}
