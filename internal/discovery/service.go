// Package discovery announces the local peer on the LAN and maintains the
// registry of peers heard from. It owns the single UDP socket that also
// carries handoff requests and responses.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"pointerlink/internal/events"
	"pointerlink/internal/metrics"
	"pointerlink/internal/peer"
	"pointerlink/internal/protocol"
)

const maxDatagram = 64 * 1024

// ErrClosed is returned by Tick and Run after the socket was closed.
var ErrClosed = errors.New("discovery: socket closed")

// Config controls the discovery socket and timing.
type Config struct {
	Group          string
	Port           int
	Interface      string
	MulticastTTL   int
	BeaconInterval time.Duration
	PeerTTL        time.Duration
	ReceiveTimeout time.Duration
}

// DefaultConfig returns the LAN defaults.
func DefaultConfig() Config {
	return Config{
		Group:          "239.255.255.250",
		Port:           54545,
		MulticastTTL:   1,
		BeaconInterval: 2 * time.Second,
		PeerTTL:        8 * time.Second,
		ReceiveTimeout: 500 * time.Millisecond,
	}
}

// PacketConn is the subset of net.PacketConn the service needs.
type PacketConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Handler receives handoff datagrams and is ticked for timeouts. It runs
// on the discovery goroutine and must not block for long.
type Handler interface {
	HandleRequest(req protocol.ControlRequest, from *net.UDPAddr)
	HandleResponse(resp protocol.ControlResponse, from *net.UDPAddr)
	Expire(now time.Time)
}

type snapshot struct {
	list []peer.Record
	byID map[peer.ID]peer.Record
}

// Service runs the beacon loop.
type Service struct {
	cfg      Config
	self     peer.Self
	group    *net.UDPAddr
	conn     PacketConn
	registry *Registry
	handler  Handler
	bus      *events.Bus
	clock    clock.Clock
	metrics  *metrics.Collector
	logger   *zap.SugaredLogger

	snap       atomic.Pointer[snapshot]
	lastBeacon time.Time
	buf        []byte
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithConn supplies an already bound socket; Open then skips binding.
func WithConn(conn PacketConn) Option {
	return func(s *Service) { s.conn = conn }
}

// WithMetrics records socket activity.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a discovery service for self. The handler is attached later
// with SetHandler because it usually depends on the service itself.
func New(cfg Config, self peer.Self, bus *events.Bus, logger *zap.SugaredLogger, opts ...Option) (*Service, error) {
	ip := net.ParseIP(cfg.Group)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("discovery: invalid IPv4 group %q", cfg.Group)
	}
	if self.DiscoveryPort == 0 {
		self.DiscoveryPort = cfg.Port
	}

	s := &Service{
		cfg:      cfg,
		self:     self,
		group:    &net.UDPAddr{IP: ip.To4(), Port: cfg.Port},
		registry: NewRegistry(self.ID, cfg.PeerTTL),
		bus:      bus,
		clock:    clock.New(),
		logger:   logger,
		buf:      make([]byte, maxDatagram),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(&snapshot{byID: map[peer.ID]peer.Record{}})
	return s, nil
}

// SetHandler attaches the handoff handler. It must be called before Run.
func (s *Service) SetHandler(h Handler) {
	s.handler = h
}

// Self returns the advertised local identity.
func (s *Service) Self() peer.Self {
	return s.self
}

// Open binds the discovery port and joins the multicast group. Any failure
// here is fatal to discovery.
func (s *Service) Open(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}

	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("bind discovery port %d: %w", s.cfg.Port, err)
	}

	if s.group.IP.IsMulticast() {
		if err := s.joinGroup(pc); err != nil {
			pc.Close()
			return err
		}
	}

	s.conn = pc
	s.logger.Infow("Discovery socket open",
		"group", s.group.String(),
		"peer_id", s.self.ID,
		"name", s.self.Name,
		"address", s.self.Address)
	return nil
}

func (s *Service) joinGroup(pc net.PacketConn) error {
	p := ipv4.NewPacketConn(pc)

	var ifi *net.Interface
	if s.cfg.Interface != "" {
		var err error
		ifi, err = net.InterfaceByName(s.cfg.Interface)
		if err != nil {
			return fmt.Errorf("discovery interface %q: %w", s.cfg.Interface, err)
		}
		if err := p.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("set multicast interface: %w", err)
		}
	}

	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: s.group.IP}); err != nil {
		return fmt.Errorf("join multicast group %s: %w", s.group.IP, err)
	}
	if s.cfg.MulticastTTL > 0 {
		if err := p.SetMulticastTTL(s.cfg.MulticastTTL); err != nil {
			return fmt.Errorf("set multicast ttl: %w", err)
		}
	}
	// Loopback lets several instances on one host see each other.
	if err := p.SetMulticastLoopback(true); err != nil {
		s.logger.Warnw("Multicast loopback unavailable", "error", err)
	}
	return nil
}

// Close releases the socket.
func (s *Service) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Run ticks until ctx is cancelled or the socket fails.
func (s *Service) Run(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("discovery: Run before Open")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Tick performs one loop iteration: beacon when due, receive at most one
// datagram, prune stale peers and expire handoff negotiations.
func (s *Service) Tick(ctx context.Context) error {
	now := s.clock.Now()
	if s.lastBeacon.IsZero() || now.Sub(s.lastBeacon) >= s.cfg.BeaconInterval {
		s.sendBeacon()
		s.lastBeacon = now
	}

	if err := s.receiveOne(); err != nil {
		return err
	}

	now = s.clock.Now()
	if s.registry.Prune(now) {
		s.logger.Debugw("Pruned stale peers", "remaining", s.registry.Len())
		s.publish(true)
	}
	if s.handler != nil {
		s.handler.Expire(now)
	}
	return ctx.Err()
}

func (s *Service) sendBeacon() {
	b := protocol.Beacon{
		PeerID:        string(s.self.ID),
		Name:          s.self.Name,
		Address:       s.self.Address,
		ControlPort:   s.self.ControlPort,
		DiscoveryPort: s.self.DiscoveryPort,
	}
	if err := s.Broadcast(b); err == nil {
		s.metrics.BeaconSent()
	}
}

func (s *Service) receiveOne() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReceiveTimeout)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
	}

	n, addr, err := s.conn.ReadFrom(s.buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		s.logger.Debugw("Discovery read failed", "error", err)
		return nil
	}

	from, _ := addr.(*net.UDPAddr)
	s.dispatch(s.buf[:n], from)
	return nil
}

func (s *Service) dispatch(data []byte, from *net.UDPAddr) {
	msg, err := protocol.Decode(data)
	if err != nil {
		reason := "malformed"
		switch {
		case errors.Is(err, protocol.ErrVersion):
			reason = "version"
		case errors.Is(err, protocol.ErrUnknownType):
			reason = "unknown_type"
		}
		s.metrics.DatagramDropped(reason)
		s.logger.Debugw("Dropping datagram", "from", from, "reason", reason, "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.Beacon:
		if peer.ID(m.PeerID) == s.self.ID {
			s.metrics.DatagramDropped("self")
			return
		}
		s.metrics.DatagramReceived(string(protocol.TypeBeacon))
		s.handleBeacon(m, from)

	case protocol.ControlRequest:
		if peer.ID(m.RequesterID) == s.self.ID {
			s.metrics.DatagramDropped("self")
			return
		}
		s.metrics.DatagramReceived(string(protocol.TypeControlRequest))
		if s.handler != nil {
			s.handler.HandleRequest(m, from)
		}

	case protocol.ControlResponse:
		if peer.ID(m.ResponderID) == s.self.ID {
			s.metrics.DatagramDropped("self")
			return
		}
		s.metrics.DatagramReceived(string(protocol.TypeControlResponse))
		if s.handler != nil {
			s.handler.HandleResponse(m, from)
		}
	}
}

func (s *Service) handleBeacon(b protocol.Beacon, from *net.UDPAddr) {
	addr := b.Address
	if addr == "" && from != nil {
		addr = from.IP.String()
	}
	rec := peer.Record{
		ID:            peer.ID(b.PeerID),
		Name:          b.Name,
		Address:       addr,
		ControlPort:   b.ControlPort,
		DiscoveryPort: b.DiscoveryPort,
		LastSeen:      s.clock.Now(),
	}
	_, known := s.registry.Get(rec.ID)
	if !s.registry.Upsert(rec) {
		return
	}
	if !known {
		s.logger.Debugw("Peer discovered", "peer_id", rec.ID, "name", rec.Name, "address", rec.Address)
	}
	// last_seen moved even if nothing else did.
	s.publish(true)
}

// publish refreshes the shared snapshot and, if changed is set, notifies
// subscribers.
func (s *Service) publish(changed bool) {
	list := s.registry.Snapshot()
	byID := make(map[peer.ID]peer.Record, len(list))
	for _, rec := range list {
		byID[rec.ID] = rec
	}
	s.snap.Store(&snapshot{list: list, byID: byID})
	s.metrics.SetPeers(len(list))

	if changed && s.bus != nil {
		s.bus.Publish(events.DevicesChanged{Peers: list})
	}
}

// Peers returns the latest published registry snapshot.
func (s *Service) Peers() []peer.Record {
	list := s.snap.Load().list
	out := make([]peer.Record, len(list))
	copy(out, list)
	return out
}

// Lookup finds a peer in the latest snapshot.
func (s *Service) Lookup(id peer.ID) (peer.Record, bool) {
	rec, ok := s.snap.Load().byID[id]
	return rec, ok
}

// Send unicasts a protocol message. Failures are logged and returned; the
// caller decides whether they matter.
func (s *Service) Send(msg any, to *net.UDPAddr) error {
	if s.conn == nil {
		return ErrClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(data, to); err != nil {
		s.metrics.SendFailed()
		s.logger.Warnw("Discovery send failed", "to", to, "error", err)
		return err
	}
	return nil
}

// Broadcast sends a protocol message to the discovery group.
func (s *Service) Broadcast(msg any) error {
	return s.Send(msg, s.group)
}
