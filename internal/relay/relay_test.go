package relay

import (
	"context"
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pointerlink/internal/events"
	"pointerlink/internal/metrics"
)

type move struct{ x, y int }

type fakeInjector struct {
	mu    sync.Mutex
	moves []move
	ch    chan move
}

func newFakeInjector() *fakeInjector {
	return &fakeInjector{ch: make(chan move, 64)}
}

func (f *fakeInjector) MovePointer(x, y int) error {
	f.mu.Lock()
	f.moves = append(f.moves, move{x, y})
	f.mu.Unlock()
	f.ch <- move{x, y}
	return nil
}

func (f *fakeInjector) next(t *testing.T) move {
	t.Helper()
	select {
	case m := <-f.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no pointer move injected")
		return move{}
	}
}

type testServer struct {
	srv      *Server
	http     *httptest.Server
	injector *fakeInjector
	bus      *events.Bus
	host     string
	port     int
}

func newTestServer(t *testing.T, exclusive bool) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	cfg := DefaultConfig()
	cfg.Exclusive = exclusive
	inj := newFakeInjector()
	srv := NewServer(cfg, inj, bus, metrics.New(), logger)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	t.Cleanup(func() { srv.Close() })

	u, err := url.Parse(hs.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &testServer{srv: srv, http: hs, injector: inj, bus: bus, host: host, port: port}
}

func (ts *testServer) dial(t *testing.T) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), ts.host, ts.port, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (ts *testServer) waitSessions(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(ts.srv.Sessions()) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestMovesAreInjectedInOrder(t *testing.T) {
	ts := newTestServer(t, false)
	c := ts.dial(t)

	require.NoError(t, c.Send(10, 20))
	require.NoError(t, c.Send(-5, 7))

	assert.Equal(t, move{10, 20}, ts.injector.next(t))
	assert.Equal(t, move{-5, 7}, ts.injector.next(t))
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	ts := newTestServer(t, false)

	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(ts.host, strconv.Itoa(ts.port)), Path: Path}
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer ws.Close()

	oversize := `{"type":"mouse_move","x":9,"y":9,"pad":"` + strings.Repeat("x", 5000) + `"}`
	for _, frame := range []string{
		`not json`,
		`{"type":"click","x":1,"y":1}`,
		`{"type":"mouse_move","x":"1","y":2}`,
		oversize,
		`{"type":"mouse_move","x":3,"y":4}`,
	} {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	assert.Equal(t, move{3, 4}, ts.injector.next(t))
	ts.injector.mu.Lock()
	assert.Len(t, ts.injector.moves, 1)
	ts.injector.mu.Unlock()
	assert.Len(t, ts.srv.Sessions(), 1, "an oversize frame does not end the session")
}

func TestExclusiveRejectsSecondController(t *testing.T) {
	ts := newTestServer(t, true)
	first := ts.dial(t)
	ts.waitSessions(t, 1)

	_, err := Dial(context.Background(), ts.host, ts.port, DefaultConfig())
	assert.ErrorIs(t, err, ErrSessionBusy)

	require.NoError(t, first.Close())
	ts.waitSessions(t, 0)

	second := ts.dial(t)
	require.NoError(t, second.Send(1, 1))
	assert.Equal(t, move{1, 1}, ts.injector.next(t))
}

func TestConcurrentSessionsWhenNotExclusive(t *testing.T) {
	ts := newTestServer(t, false)
	a := ts.dial(t)
	b := ts.dial(t)
	ts.waitSessions(t, 2)

	require.NoError(t, a.Send(1, 1))
	require.NoError(t, b.Send(2, 2))
	got := map[move]bool{ts.injector.next(t): true, ts.injector.next(t): true}
	assert.True(t, got[move{1, 1}])
	assert.True(t, got[move{2, 2}])
}

func TestSessionEventsArePublished(t *testing.T) {
	ts := newTestServer(t, false)
	sub := ts.bus.Subscribe(4)

	c := ts.dial(t)
	opened := (<-sub.C()).(events.SessionOpened)
	assert.NotEmpty(t, opened.SessionID)

	require.NoError(t, c.Close())
	closed := (<-sub.C()).(events.SessionClosed)
	assert.Equal(t, opened.SessionID, closed.SessionID)
	assert.Empty(t, closed.Err)
}

func TestClientSeesServerShutdown(t *testing.T) {
	ts := newTestServer(t, false)
	c := ts.dial(t)
	ts.waitSessions(t, 1)

	require.NoError(t, ts.srv.Close())
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the server closing")
	}
	assert.Error(t, c.Send(1, 1))
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = Dial(context.Background(), "127.0.0.1", port, DefaultConfig())
	assert.Error(t, err)
}
