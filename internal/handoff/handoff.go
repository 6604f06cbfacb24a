// Package handoff negotiates who drives whose pointer. It correlates
// requests and responses by nonce, expires negotiations that get no answer
// and turns the outcome into bus events.
package handoff

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pointerlink/internal/events"
	"pointerlink/internal/metrics"
	"pointerlink/internal/peer"
	"pointerlink/internal/protocol"
)

var (
	ErrUnknownPeer    = errors.New("handoff: unknown peer")
	ErrUnknownRequest = errors.New("handoff: no such pending request")
)

// Sender transmits handoff datagrams on the discovery socket.
type Sender interface {
	Send(msg any, to *net.UDPAddr) error
	Broadcast(msg any) error
}

// Directory resolves peer ids against the latest registry snapshot.
type Directory interface {
	Lookup(id peer.ID) (peer.Record, bool)
}

// Config holds negotiation limits.
type Config struct {
	Timeout       time.Duration
	RequestRate   float64
	RequestBurst  int
	DedupeWindow  time.Duration
	DiscoveryPort int
	AutoAccept    bool
}

// DefaultConfig returns the negotiation defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		RequestRate:   0.5,
		RequestBurst:  3,
		DedupeWindow:  30 * time.Second,
		DiscoveryPort: 54545,
	}
}

// State is the phase of a single negotiation.
type State int

const (
	Idle State = iota
	RequestSent
	RequestReceived
	Accepted
	Declined
	Abandoned
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestSent:
		return "request_sent"
	case RequestReceived:
		return "request_received"
	case Accepted:
		return "accepted"
	case Declined:
		return "declined"
	case Abandoned:
		return "abandoned"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Outgoing describes a request this peer sent and is waiting on.
type Outgoing struct {
	Nonce    uint64    `json:"nonce"`
	TargetID peer.ID   `json:"target_id,omitempty"`
	SentAt   time.Time `json:"sent_at"`
	Deadline time.Time `json:"deadline"`
	State    State     `json:"-"`
}

type incomingKey struct {
	requester peer.ID
	nonce     uint64
}

type incoming struct {
	req      protocol.ControlRequest
	from     *net.UDPAddr
	at       time.Time
	deadline time.Time
}

// Protocol is the per-process handoff state machine.
type Protocol struct {
	cfg     Config
	self    peer.Self
	sender  Sender
	dir     Directory
	bus     *events.Bus
	clock   clock.Clock
	metrics *metrics.Collector
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	nextNonce   uint64
	outstanding map[uint64]*Outgoing
	incoming    map[incomingKey]*incoming

	seen     *expirable.LRU[incomingKey, struct{}]
	limiters *lru.Cache[peer.ID, *rate.Limiter]
}

// Option customises a Protocol.
type Option func(*Protocol)

func WithClock(c clock.Clock) Option {
	return func(p *Protocol) { p.clock = c }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(p *Protocol) { p.metrics = m }
}

// New creates a Protocol. The sender and directory are usually the
// discovery service.
func New(cfg Config, self peer.Self, sender Sender, dir Directory, bus *events.Bus, logger *zap.SugaredLogger, opts ...Option) *Protocol {
	limiters, _ := lru.New[peer.ID, *rate.Limiter](256)
	p := &Protocol{
		cfg:         cfg,
		self:        self,
		sender:      sender,
		dir:         dir,
		bus:         bus,
		clock:       clock.New(),
		logger:      logger,
		outstanding: make(map[uint64]*Outgoing),
		incoming:    make(map[incomingKey]*incoming),
		seen:        expirable.NewLRU[incomingKey, struct{}](1024, nil, cfg.DedupeWindow),
		limiters:    limiters,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RequestControl asks targetID to accept pointer control, or every peer
// when targetID is empty. It returns the nonce that correlates the answer.
func (p *Protocol) RequestControl(targetID peer.ID, opts protocol.Options) (uint64, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}

	var to *net.UDPAddr
	if targetID != "" {
		rec, ok := p.dir.Lookup(targetID)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, targetID)
		}
		var err error
		to, err = p.udpAddr(rec.Address, rec.DiscoveryPort)
		if err != nil {
			return 0, err
		}
	}

	now := p.clock.Now()
	p.mu.Lock()
	p.nextNonce++
	nonce := p.nextNonce
	p.outstanding[nonce] = &Outgoing{
		Nonce:    nonce,
		TargetID: targetID,
		SentAt:   now,
		Deadline: now.Add(p.cfg.Timeout),
		State:    RequestSent,
	}
	p.mu.Unlock()

	req := protocol.ControlRequest{
		RequesterID:   string(p.self.ID),
		TargetID:      string(targetID),
		Name:          p.self.Name,
		Address:       p.self.Address,
		ControlPort:   p.self.ControlPort,
		DiscoveryPort: p.self.DiscoveryPort,
		Nonce:         nonce,
		Options:       opts,
	}

	var err error
	if to == nil {
		err = p.sender.Broadcast(req)
	} else {
		err = p.sender.Send(req, to)
	}
	if err != nil {
		p.mu.Lock()
		delete(p.outstanding, nonce)
		p.mu.Unlock()
		return 0, fmt.Errorf("send control request: %w", err)
	}

	p.metrics.Handoff("requested")
	p.logger.Infow("Control requested", "nonce", nonce, "target", targetID)
	return nonce, nil
}

// HandleRequest processes an incoming ControlRequest.
func (p *Protocol) HandleRequest(req protocol.ControlRequest, from *net.UDPAddr) {
	if req.TargetID != "" && peer.ID(req.TargetID) != p.self.ID {
		return
	}

	requester := peer.ID(req.RequesterID)
	key := incomingKey{requester: requester, nonce: req.Nonce}
	if p.seen.Contains(key) {
		p.metrics.Handoff("duplicate")
		return
	}
	p.seen.Add(key, struct{}{})

	now := p.clock.Now()
	in := &incoming{req: req, from: from, at: now, deadline: now.Add(p.cfg.Timeout)}

	if !p.limiter(requester).AllowN(now, 1) {
		p.metrics.Handoff("limited")
		p.logger.Warnw("Control request rate limited", "requester", requester, "from", from)
		p.reply(in, false, "too many requests")
		return
	}

	if err := req.Options.Validate(); err != nil {
		p.logger.Infow("Declining request with unsupported options", "requester", requester, "error", err)
		p.reply(in, false, err.Error())
		p.metrics.Handoff("declined")
		return
	}

	p.metrics.Handoff("received")
	if p.cfg.AutoAccept {
		p.logger.Infow("Auto-accepting control request", "requester", requester, "name", req.Name)
		p.reply(in, true, "")
		p.metrics.Handoff("accepted")
		return
	}

	p.mu.Lock()
	p.incoming[key] = in
	p.mu.Unlock()

	p.logger.Infow("Control request received", "requester", requester, "name", req.Name, "nonce", req.Nonce)
	p.bus.Publish(requestEvent(in))
}

// Respond answers a pending request from requester.
func (p *Protocol) Respond(requester peer.ID, nonce uint64, accept bool, reason string) error {
	key := incomingKey{requester: requester, nonce: nonce}
	p.mu.Lock()
	in, ok := p.incoming[key]
	if ok {
		delete(p.incoming, key)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s/%d", ErrUnknownRequest, requester, nonce)
	}

	if err := p.reply(in, accept, reason); err != nil {
		return err
	}
	if accept {
		p.metrics.Handoff("accepted")
	} else {
		p.metrics.Handoff("declined")
	}
	p.logger.Infow("Control request answered", "requester", requester, "nonce", nonce, "accepted", accept)
	return nil
}

func (p *Protocol) reply(in *incoming, accept bool, reason string) error {
	host := in.req.Address
	port := 0
	if in.from != nil {
		if host == "" {
			host = in.from.IP.String()
		}
		port = in.from.Port
	}
	if port == 0 {
		port = in.req.DiscoveryPort
	}
	to, err := p.udpAddr(host, port)
	if err != nil {
		return err
	}

	resp := protocol.ControlResponse{
		ResponderID: string(p.self.ID),
		Accepted:    accept,
		Nonce:       in.req.Nonce,
		Reason:      reason,
		ControlPort: p.self.ControlPort,
	}
	if err := p.sender.Send(resp, to); err != nil {
		return fmt.Errorf("send control response: %w", err)
	}
	return nil
}

// HandleResponse resolves the outstanding request matching resp.Nonce.
// Unmatched, late and duplicate responses are ignored.
func (p *Protocol) HandleResponse(resp protocol.ControlResponse, from *net.UDPAddr) {
	responder := peer.ID(resp.ResponderID)

	p.mu.Lock()
	o, ok := p.outstanding[resp.Nonce]
	if !ok || (o.TargetID != "" && o.TargetID != responder) {
		p.mu.Unlock()
		p.logger.Debugw("Ignoring unmatched control response", "responder", responder, "nonce", resp.Nonce)
		return
	}
	delete(p.outstanding, resp.Nonce)
	p.mu.Unlock()

	if !resp.Accepted {
		o.State = Declined
		p.metrics.Handoff("declined")
		p.logger.Infow("Control request declined", "responder", responder, "nonce", resp.Nonce, "reason", resp.Reason)
		p.bus.Publish(events.ResponseDeclined{Nonce: resp.Nonce, ResponderID: responder, Reason: resp.Reason})
		return
	}

	o.State = Accepted
	host, port := p.relayEndpoint(responder, resp, from)
	p.metrics.Handoff("accepted")
	p.logger.Infow("Control request accepted", "responder", responder, "nonce", resp.Nonce, "host", host, "port", port)
	p.bus.Publish(events.ResponseAccepted{Nonce: resp.Nonce, ResponderID: responder, Host: host, Port: port})
}

// relayEndpoint picks where to dial: the observed source address, and the
// control port from the registry, the response, or our own, in that order.
func (p *Protocol) relayEndpoint(responder peer.ID, resp protocol.ControlResponse, from *net.UDPAddr) (string, int) {
	rec, known := p.dir.Lookup(responder)

	host := ""
	if from != nil {
		host = from.IP.String()
	} else if known {
		host = rec.Address
	}

	port := p.self.ControlPort
	switch {
	case known && rec.ControlPort > 0:
		port = rec.ControlPort
	case resp.ControlPort > 0:
		port = resp.ControlPort
	}
	return host, port
}

// Expire abandons outstanding requests and forgets undecided incoming ones
// whose deadline has passed.
func (p *Protocol) Expire(now time.Time) {
	var abandoned []*Outgoing

	p.mu.Lock()
	for nonce, o := range p.outstanding {
		if now.After(o.Deadline) {
			o.State = Abandoned
			abandoned = append(abandoned, o)
			delete(p.outstanding, nonce)
		}
	}
	for key, in := range p.incoming {
		if now.After(in.deadline) {
			delete(p.incoming, key)
			p.logger.Infow("Pending control request expired", "requester", key.requester, "nonce", key.nonce)
		}
	}
	p.mu.Unlock()

	sort.Slice(abandoned, func(i, j int) bool { return abandoned[i].Nonce < abandoned[j].Nonce })
	for _, o := range abandoned {
		p.metrics.Handoff("abandoned")
		p.logger.Infow("Control request abandoned", "nonce", o.Nonce, "target", o.TargetID)
		p.bus.Publish(events.RequestAbandoned{Nonce: o.Nonce, TargetID: o.TargetID})
	}
}

// Pending lists undecided incoming requests, oldest first.
func (p *Protocol) Pending() []events.RequestReceived {
	p.mu.Lock()
	out := make([]events.RequestReceived, 0, len(p.incoming))
	for _, in := range p.incoming {
		out = append(out, requestEvent(in))
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].Nonce < out[j].Nonce
	})
	return out
}

// Outstanding lists requests still waiting for an answer.
func (p *Protocol) Outstanding() []Outgoing {
	p.mu.Lock()
	out := make([]Outgoing, 0, len(p.outstanding))
	for _, o := range p.outstanding {
		out = append(out, *o)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}

// limiter returns the per-requester token bucket, following the per-key
// limiter store pattern but bounded by an LRU.
func (p *Protocol) limiter(id peer.ID) *rate.Limiter {
	if l, ok := p.limiters.Get(id); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.cfg.RequestRate), p.cfg.RequestBurst)
	p.limiters.Add(id, l)
	return l
}

func (p *Protocol) udpAddr(host string, port int) (*net.UDPAddr, error) {
	if port == 0 {
		port = p.cfg.DiscoveryPort
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("handoff: invalid peer address %q", host)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

func requestEvent(in *incoming) events.RequestReceived {
	addr := in.req.Address
	if addr == "" && in.from != nil {
		addr = in.from.IP.String()
	}
	return events.RequestReceived{
		Nonce:         in.req.Nonce,
		RequesterID:   peer.ID(in.req.RequesterID),
		RequesterName: in.req.Name,
		Address:       addr,
		ControlPort:   in.req.ControlPort,
		Options:       in.req.Options,
		ReceivedAt:    in.at,
	}
}
