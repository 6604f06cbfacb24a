package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pointerlink/internal/capture"
	"pointerlink/internal/events"
	"pointerlink/internal/metrics"
	"pointerlink/internal/peer"
)

type fakeChannel struct {
	remote string

	mu      sync.Mutex
	sent    [][2]int
	failOn  int // fail the n-th send (1-based), 0 never
	closed  bool
	done    chan struct{}
	once    sync.Once
	arrived chan struct{}
}

func newFakeChannel(remote string) *fakeChannel {
	return &fakeChannel{remote: remote, done: make(chan struct{}), arrived: make(chan struct{}, 64)}
}

func (f *fakeChannel) Send(x, y int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	if f.failOn > 0 && len(f.sent)+1 == f.failOn {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, [2]int{x, y})
	f.arrived <- struct{}{}
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeChannel) Done() <-chan struct{} { return f.done }
func (f *fakeChannel) Remote() string        { return f.remote }

func (f *fakeChannel) got() [][2]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]int(nil), f.sent...)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type env struct {
	orch  *Orchestrator
	bus   *events.Bus
	queue *capture.Queue
	sub   *events.Subscription

	mu       sync.Mutex
	channels map[string]*fakeChannel
	dialErr  error
}

func newEnv(t *testing.T) (*env, context.CancelFunc, <-chan error) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	e := &env{
		bus:      events.NewBus(logger),
		queue:    capture.NewQueue(16),
		channels: make(map[string]*fakeChannel),
	}
	t.Cleanup(e.bus.Close)
	e.sub = e.bus.Subscribe(32)

	dial := func(ctx context.Context, host string, port int) (Channel, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.dialErr != nil {
			return nil, e.dialErr
		}
		ch := newFakeChannel(host)
		e.channels[host] = ch
		return ch, nil
	}
	e.orch = New(e.bus, e.queue, dial, metrics.New(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.orch.Run(ctx) }()
	t.Cleanup(cancel)
	return e, cancel, done
}

func (e *env) channel(host string) *fakeChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[host]
}

func (e *env) waitEvent(t *testing.T, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.sub.C():
			if ev.Kind() == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return nil
		}
	}
}

func (e *env) accept(t *testing.T, id peer.ID, host string) events.SessionOpened {
	t.Helper()
	e.bus.Publish(events.ResponseAccepted{ResponderID: id, Host: host, Port: 8765})
	return e.waitEvent(t, events.KindSessionOpened).(events.SessionOpened)
}

func waitArrivals(t *testing.T, ch *fakeChannel, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch.arrived:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d events arrived", i, n)
		}
	}
}

func TestAcceptedHandoffOpensSessionAndForwardsInOrder(t *testing.T) {
	e, _, _ := newEnv(t)
	opened := e.accept(t, "desk", "10.0.0.2")
	assert.Equal(t, peer.ID("desk"), opened.PeerID)

	for i := 1; i <= 3; i++ {
		e.queue.Push(capture.PointerEvent{X: i, Y: -i})
	}
	ch := e.channel("10.0.0.2")
	waitArrivals(t, ch, 3)
	assert.Equal(t, [][2]int{{1, -1}, {2, -2}, {3, -3}}, ch.got())

	require.Len(t, e.orch.Sessions(), 1)
}

func TestEventsFanOutToEverySession(t *testing.T) {
	e, _, _ := newEnv(t)
	e.accept(t, "a", "10.0.0.2")
	e.accept(t, "b", "10.0.0.3")

	e.queue.Push(capture.PointerEvent{X: 5, Y: 5})
	waitArrivals(t, e.channel("10.0.0.2"), 1)
	waitArrivals(t, e.channel("10.0.0.3"), 1)
}

func TestWriteFailureEndsOnlyThatSession(t *testing.T) {
	e, _, _ := newEnv(t)
	e.accept(t, "a", "10.0.0.2")
	e.accept(t, "b", "10.0.0.3")
	bad := e.channel("10.0.0.2")
	good := e.channel("10.0.0.3")
	bad.mu.Lock()
	bad.failOn = 1
	bad.mu.Unlock()

	e.queue.Push(capture.PointerEvent{X: 1, Y: 1})
	closed := e.waitEvent(t, events.KindSessionClosed).(events.SessionClosed)
	assert.Equal(t, "broken pipe", closed.Err)
	assert.True(t, bad.isClosed())

	e.queue.Push(capture.PointerEvent{X: 2, Y: 2})
	waitArrivals(t, good, 2)
	assert.Equal(t, [][2]int{{1, 1}, {2, 2}}, good.got())
	require.Len(t, e.orch.Sessions(), 1)
}

func TestRemoteCloseRemovesSession(t *testing.T) {
	e, _, _ := newEnv(t)
	e.accept(t, "a", "10.0.0.2")

	e.channel("10.0.0.2").Close()
	e.waitEvent(t, events.KindSessionClosed)
	assert.Empty(t, e.orch.Sessions())
}

func TestDialFailurePublishesClosed(t *testing.T) {
	e, _, _ := newEnv(t)
	e.mu.Lock()
	e.dialErr = errors.New("connection refused")
	e.mu.Unlock()

	e.bus.Publish(events.ResponseAccepted{ResponderID: "a", Host: "10.0.0.2", Port: 8765})
	closed := e.waitEvent(t, events.KindSessionClosed).(events.SessionClosed)
	assert.Equal(t, "connection refused", closed.Err)
	assert.Empty(t, e.orch.Sessions())
}

func TestCloseSession(t *testing.T) {
	e, _, _ := newEnv(t)
	opened := e.accept(t, "a", "10.0.0.2")

	require.NoError(t, e.orch.CloseSession(opened.SessionID))
	assert.True(t, e.channel("10.0.0.2").isClosed())
	assert.ErrorIs(t, e.orch.CloseSession(opened.SessionID), ErrUnknownSession)
}

func TestShutdownClosesSessions(t *testing.T) {
	e, cancel, done := newEnv(t)
	e.accept(t, "a", "10.0.0.2")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, e.channel("10.0.0.2").isClosed())
	assert.Empty(t, e.orch.Sessions())
}
