// Package relay carries pointer positions from a controller to a target
// over a WebSocket session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pointerlink/internal/events"
	"pointerlink/internal/input"
	"pointerlink/internal/metrics"
	"pointerlink/internal/protocol"
)

// Path is the HTTP path of the relay endpoint.
const Path = "/relay"

// ErrSessionBusy is reported when exclusive mode refuses a second controller.
var ErrSessionBusy = errors.New("relay: another controller is connected")

// Config tunes both ends of the relay channel.
type Config struct {
	Exclusive    bool
	ReadLimit    int64
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
}

// DefaultConfig returns the keepalive settings used on the LAN.
func DefaultConfig() Config {
	return Config{
		ReadLimit:    4096,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
	}
}

// SessionInfo describes an inbound session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	StartedAt time.Time `json:"started_at"`
}

type inbound struct {
	info SessionInfo
	conn *websocket.Conn
}

// Server accepts controllers and injects their pointer positions.
type Server struct {
	cfg      Config
	injector input.Injector
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*inbound
	reserved int
	closed   bool
}

// NewServer creates a relay endpoint that drives injector.
func NewServer(cfg Config, injector input.Injector, bus *events.Bus, m *metrics.Collector, logger *zap.SugaredLogger) *Server {
	return &Server{
		cfg:      cfg,
		injector: injector,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// LAN tool: controllers are not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*inbound),
	}
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.reserve() {
		s.logger.Infow("Refusing relay session", "remote", r.RemoteAddr, "reason", ErrSessionBusy)
		http.Error(w, ErrSessionBusy.Error(), http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.logger.Warnw("Relay upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	in := &inbound{
		info: SessionInfo{ID: uuid.NewString(), Remote: r.RemoteAddr, StartedAt: time.Now()},
		conn: conn,
	}
	if !s.register(in) {
		conn.Close()
		return
	}
	s.metrics.SessionOpened()
	s.logger.Infow("Relay session opened", "session", in.info.ID, "remote", in.info.Remote)
	s.publish(events.SessionOpened{SessionID: in.info.ID, Remote: in.info.Remote})

	err = s.receive(in)

	s.unregister(in)
	s.metrics.SessionClosed()
	closed := events.SessionClosed{SessionID: in.info.ID, Remote: in.info.Remote}
	if err != nil {
		closed.Err = err.Error()
	}
	s.logger.Infow("Relay session closed", "session", in.info.ID, "remote", in.info.Remote, "error", err)
	s.publish(closed)
}

func (s *Server) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.cfg.Exclusive && len(s.sessions)+s.reserved > 0 {
		return false
	}
	s.reserved++
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.reserved--
	s.mu.Unlock()
}

func (s *Server) register(in *inbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved--
	if s.closed {
		return false
	}
	s.sessions[in.info.ID] = in
	return true
}

func (s *Server) unregister(in *inbound) {
	s.mu.Lock()
	delete(s.sessions, in.info.ID)
	s.mu.Unlock()
	in.conn.Close()
}

// receive reads frames until the controller goes away. Malformed and
// unknown frames are skipped; the session survives them.
func (s *Server) receive(in *inbound) error {
	conn := in.conn
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.ping(conn, stop)

	for {
		data, oversize, err := readFrame(conn, s.cfg.ReadLimit)
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		// Any traffic proves the controller is alive.
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		if oversize {
			s.metrics.RelayFrame("in", "ignored")
			s.logger.Debugw("Ignoring oversize relay frame", "session", in.info.ID, "limit", s.cfg.ReadLimit)
			continue
		}

		msg, err := protocol.DecodeRelay(data)
		if err != nil {
			s.metrics.RelayFrame("in", "ignored")
			s.logger.Debugw("Ignoring relay frame", "session", in.info.ID, "error", err)
			continue
		}
		if err := s.injector.MovePointer(msg.X, msg.Y); err != nil {
			s.metrics.RelayFrame("in", "inject_failed")
			s.logger.Debugw("Pointer injection failed", "session", in.info.ID, "error", err)
			continue
		}
		s.metrics.RelayFrame("in", "ok")
	}
}

// readFrame returns the next message. A message longer than limit is
// discarded and reported as oversize so the session can keep reading.
func readFrame(conn *websocket.Conn, limit int64) ([]byte, bool, error) {
	_, r, err := conn.NextReader()
	if err != nil {
		return nil, false, err
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) <= limit {
		return data, false, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, true, err
	}
	return nil, true, nil
}

func (s *Server) ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Server) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// Sessions lists inbound sessions ordered by start time.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, in := range s.sessions {
		out = append(out, in.info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close disconnects every controller and refuses new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.sessions))
	for _, in := range s.sessions {
		conns = append(conns, in.conn)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		c.Close()
	}
	return nil
}

// Listen binds the relay port on IPv4.
func Listen(port int) (net.Listener, error) {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("relay listen %s: %w", addr, err)
	}
	return ln, nil
}

// Serve runs handler on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
