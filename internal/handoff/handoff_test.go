package handoff

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pointerlink/internal/events"
	"pointerlink/internal/peer"
	"pointerlink/internal/protocol"
)

type sent struct {
	msg any
	to  *net.UDPAddr // nil for broadcast
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (f *fakeSender) Send(msg any, to *net.UDPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{msg: msg, to: to})
	return nil
}

func (f *fakeSender) Broadcast(msg any) error {
	return f.Send(msg, nil)
}

func (f *fakeSender) last(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.msgs)
	return f.msgs[len(f.msgs)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeDirectory map[peer.ID]peer.Record

func (d fakeDirectory) Lookup(id peer.ID) (peer.Record, bool) {
	rec, ok := d[id]
	return rec, ok
}

type fixture struct {
	proto  *Protocol
	sender *fakeSender
	dir    fakeDirectory
	clock  *clock.Mock
	sub    *events.Subscription
}

var self = peer.Self{ID: "me", Name: "laptop", Address: "10.0.0.1", ControlPort: 8765, DiscoveryPort: 54545}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	logger := zaptest.NewLogger(t).Sugar()
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	f := &fixture{
		sender: &fakeSender{},
		dir: fakeDirectory{
			"desk": {ID: "desk", Name: "desk", Address: "10.0.0.2", ControlPort: 9001, DiscoveryPort: 54545},
		},
		clock: clock.NewMock(),
		sub:   bus.Subscribe(16),
	}
	f.proto = New(cfg, self, f.sender, f.dir, bus, logger, WithClock(f.clock))
	return f
}

func (f *fixture) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case ev := <-f.sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return nil
	}
}

func (f *fixture) assertNoEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-f.sub.C():
		t.Fatalf("unexpected event %#v", ev)
	default:
	}
}

func srcAddr(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 54545}
}

func TestRequestControlUnknownPeer(t *testing.T) {
	f := newFixture(t)
	_, err := f.proto.RequestControl("ghost", protocol.DefaultOptions())
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.Zero(t, f.sender.count())
}

func TestRequestControlInvalidOptions(t *testing.T) {
	f := newFixture(t)
	opts := protocol.DefaultOptions()
	opts.Speed = -1
	_, err := f.proto.RequestControl("desk", opts)
	assert.ErrorIs(t, err, protocol.ErrInvalidOptions)
	assert.Zero(t, f.sender.count())
}

func TestRequestControlUnicastWithIncreasingNonce(t *testing.T) {
	f := newFixture(t)

	n1, err := f.proto.RequestControl("desk", protocol.DefaultOptions())
	require.NoError(t, err)
	n2, err := f.proto.RequestControl("desk", protocol.DefaultOptions())
	require.NoError(t, err)
	assert.Greater(t, n2, n1)

	s := f.sender.last(t)
	require.NotNil(t, s.to)
	assert.Equal(t, "10.0.0.2:54545", s.to.String())
	req := s.msg.(protocol.ControlRequest)
	assert.Equal(t, n2, req.Nonce)
	assert.Equal(t, "desk", req.TargetID)
	assert.Equal(t, "me", req.RequesterID)
	assert.Equal(t, 8765, req.ControlPort)

	assert.Len(t, f.proto.Outstanding(), 2)
}

func TestRequestControlBroadcast(t *testing.T) {
	f := newFixture(t)
	_, err := f.proto.RequestControl("", protocol.DefaultOptions())
	require.NoError(t, err)
	s := f.sender.last(t)
	assert.Nil(t, s.to)
	assert.Empty(t, s.msg.(protocol.ControlRequest).TargetID)
}

func TestRequestControlSendFailureLeavesNothingOutstanding(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("network unreachable")
	_, err := f.proto.RequestControl("desk", protocol.DefaultOptions())
	assert.Error(t, err)
	assert.Empty(t, f.proto.Outstanding())
}

func TestAcceptedResponseResolvesOnce(t *testing.T) {
	f := newFixture(t)
	nonce, err := f.proto.RequestControl("desk", protocol.DefaultOptions())
	require.NoError(t, err)

	resp := protocol.ControlResponse{ResponderID: "desk", Accepted: true, Nonce: nonce, ControlPort: 7000}
	f.proto.HandleResponse(resp, srcAddr("192.168.5.5"))

	ev := f.next(t).(events.ResponseAccepted)
	assert.Equal(t, nonce, ev.Nonce)
	assert.Equal(t, peer.ID("desk"), ev.ResponderID)
	assert.Equal(t, "192.168.5.5", ev.Host, "host comes from the observed source")
	assert.Equal(t, 9001, ev.Port, "port comes from the registry record")

	f.proto.HandleResponse(resp, srcAddr("192.168.5.5"))
	f.assertNoEvent(t)
	assert.Empty(t, f.proto.Outstanding())
}

func TestAcceptedResponsePortFallbacks(t *testing.T) {
	f := newFixture(t)
	f.dir["bare"] = peer.Record{ID: "bare", Address: "10.0.0.3"}

	nonce, err := f.proto.RequestControl("bare", protocol.DefaultOptions())
	require.NoError(t, err)
	f.proto.HandleResponse(protocol.ControlResponse{ResponderID: "bare", Accepted: true, Nonce: nonce, ControlPort: 7000}, srcAddr("10.0.0.3"))
	assert.Equal(t, 7000, f.next(t).(events.ResponseAccepted).Port)

	nonce, err = f.proto.RequestControl("bare", protocol.DefaultOptions())
	require.NoError(t, err)
	f.proto.HandleResponse(protocol.ControlResponse{ResponderID: "bare", Accepted: true, Nonce: nonce}, srcAddr("10.0.0.3"))
	assert.Equal(t, self.ControlPort, f.next(t).(events.ResponseAccepted).Port)
}

func TestResponseFromOtherPeerIgnored(t *testing.T) {
	f := newFixture(t)
	nonce, err := f.proto.RequestControl("desk", protocol.DefaultOptions())
	require.NoError(t, err)

	f.proto.HandleResponse(protocol.ControlResponse{ResponderID: "intruder", Accepted: true, Nonce: nonce}, srcAddr("10.0.0.66"))
	f.proto.HandleResponse(protocol.ControlResponse{ResponderID: "desk", Accepted: true, Nonce: nonce + 100}, srcAddr("10.0.0.2"))
	f.assertNoEvent(t)
	assert.Len(t, f.proto.Outstanding(), 1)
}

func TestBroadcastRequestTakesFirstAnswer(t *testing.T) {
	f := newFixture(t)
	nonce, err := f.proto.RequestControl("", protocol.DefaultOptions())
	require.NoError(t, err)

	f.proto.HandleResponse(protocol.ControlResponse{ResponderID: "desk", Accepted: true, Nonce: nonce}, srcAddr("10.0.0.2"))
	f.proto.HandleResponse(protocol.ControlResponse{ResponderID: "other", Accepted: true, Nonce: nonce}, srcAddr("10.0.0.4"))

	assert.Equal(t, peer.ID("desk"), f.next(t).(events.ResponseAccepted).ResponderID)
	f.assertNoEvent(t)
}

func TestDeclinedResponse(t *testing.T) {
	f := newFixture(t)
	nonce, err := f.proto.RequestControl("desk", protocol.DefaultOptions())
	require.NoError(t, err)

	f.proto.HandleResponse(protocol.ControlResponse{ResponderID: "desk", Nonce: nonce, Reason: "busy"}, srcAddr("10.0.0.2"))
	ev := f.next(t).(events.ResponseDeclined)
	assert.Equal(t, "busy", ev.Reason)
}

func TestTimeoutAbandonsRequest(t *testing.T) {
	f := newFixture(t)
	nonce, err := f.proto.RequestControl("desk", protocol.DefaultOptions())
	require.NoError(t, err)

	f.clock.Add(10 * time.Second)
	f.proto.Expire(f.clock.Now())
	f.assertNoEvent(t)

	f.clock.Add(time.Millisecond)
	f.proto.Expire(f.clock.Now())
	ev := f.next(t).(events.RequestAbandoned)
	assert.Equal(t, nonce, ev.Nonce)
	assert.Equal(t, peer.ID("desk"), ev.TargetID)

	// A late acceptance no longer opens anything.
	f.proto.HandleResponse(protocol.ControlResponse{ResponderID: "desk", Accepted: true, Nonce: nonce}, srcAddr("10.0.0.2"))
	f.assertNoEvent(t)
}

func decodeRequest(t *testing.T, payload string) protocol.ControlRequest {
	t.Helper()
	msg, err := protocol.Decode([]byte(`{"type":"control_request","v":1,"payload":` + payload + `}`))
	require.NoError(t, err)
	return msg.(protocol.ControlRequest)
}

func TestIncomingRequestAndRespond(t *testing.T) {
	f := newFixture(t)
	req := decodeRequest(t, `{"requester_id":"desk","target_id":"me","name":"desk","address":"10.0.0.2","control_port":9001,"nonce":5,"options":{"map":"relative"}}`)

	f.proto.HandleRequest(req, &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 40000})
	ev := f.next(t).(events.RequestReceived)
	assert.Equal(t, uint64(5), ev.Nonce)
	assert.Equal(t, "desk", ev.RequesterName)
	require.Len(t, f.proto.Pending(), 1)

	require.NoError(t, f.proto.Respond("desk", 5, true, ""))
	s := f.sender.last(t)
	assert.Equal(t, "10.0.0.2:40000", s.to.String(), "reply goes to the requester's socket")
	resp := s.msg.(protocol.ControlResponse)
	assert.True(t, resp.Accepted)
	assert.Equal(t, uint64(5), resp.Nonce)
	assert.Equal(t, 8765, resp.ControlPort)

	assert.ErrorIs(t, f.proto.Respond("desk", 5, true, ""), ErrUnknownRequest)
	assert.Empty(t, f.proto.Pending())
}

func TestRequestForOtherPeerIgnored(t *testing.T) {
	f := newFixture(t)
	req := decodeRequest(t, `{"requester_id":"desk","target_id":"someone-else","nonce":1,"options":{}}`)
	f.proto.HandleRequest(req, srcAddr("10.0.0.2"))
	f.assertNoEvent(t)
	assert.Zero(t, f.sender.count())
}

func TestDuplicateRequestSuppressed(t *testing.T) {
	f := newFixture(t)
	req := decodeRequest(t, `{"requester_id":"desk","address":"10.0.0.2","nonce":9,"options":{}}`)
	f.proto.HandleRequest(req, srcAddr("10.0.0.2"))
	f.proto.HandleRequest(req, srcAddr("10.0.0.2"))

	f.next(t)
	f.assertNoEvent(t)
	assert.Len(t, f.proto.Pending(), 1)
}

func TestUnknownOptionsDeclinedWithoutPrompt(t *testing.T) {
	f := newFixture(t)
	req := decodeRequest(t, `{"requester_id":"desk","address":"10.0.0.2","nonce":2,"options":{"teleport":true}}`)
	f.proto.HandleRequest(req, srcAddr("10.0.0.2"))

	f.assertNoEvent(t)
	resp := f.sender.last(t).msg.(protocol.ControlResponse)
	assert.False(t, resp.Accepted)
	assert.Contains(t, resp.Reason, "teleport")
}

func TestRequestFloodIsRateLimited(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 4; i++ {
		req := decodeRequest(t, `{"requester_id":"desk","address":"10.0.0.2","nonce":`+string(rune('0'+i))+`,"options":{}}`)
		f.proto.HandleRequest(req, srcAddr("10.0.0.2"))
	}

	assert.Len(t, f.proto.Pending(), 3)
	resp := f.sender.last(t).msg.(protocol.ControlResponse)
	assert.False(t, resp.Accepted)
	assert.Equal(t, "too many requests", resp.Reason)
}

func TestAutoAccept(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoAccept = true })
	req := decodeRequest(t, `{"requester_id":"desk","address":"10.0.0.2","nonce":1,"options":{}}`)
	f.proto.HandleRequest(req, srcAddr("10.0.0.2"))

	f.assertNoEvent(t)
	assert.True(t, f.sender.last(t).msg.(protocol.ControlResponse).Accepted)
}

func TestUndecidedRequestExpires(t *testing.T) {
	f := newFixture(t)
	req := decodeRequest(t, `{"requester_id":"desk","address":"10.0.0.2","nonce":1,"options":{}}`)
	f.proto.HandleRequest(req, srcAddr("10.0.0.2"))
	f.next(t)

	f.clock.Add(11 * time.Second)
	f.proto.Expire(f.clock.Now())
	assert.Empty(t, f.proto.Pending())
	assert.ErrorIs(t, f.proto.Respond("desk", 1, true, ""), ErrUnknownRequest)
	assert.Zero(t, f.sender.count(), "expiry sends nothing")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "abandoned", Abandoned.String())
	assert.Equal(t, "state(42)", State(42).String())
}
