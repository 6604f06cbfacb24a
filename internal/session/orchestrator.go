// Package session opens relay channels when a handoff is accepted and
// forwards captured pointer events to every open channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pointerlink/internal/capture"
	"pointerlink/internal/events"
	"pointerlink/internal/metrics"
	"pointerlink/internal/peer"
	"pointerlink/internal/relay"
)

var (
	// ErrUnknownSession is returned by CloseSession for ids not open.
	ErrUnknownSession = errors.New("session: unknown session")

	// ErrShuttingDown is returned by Connect once Run is returning.
	ErrShuttingDown = errors.New("session: shutting down")
)

// Channel is the controller end of one relay session.
type Channel interface {
	Send(x, y int) error
	Close() error
	Done() <-chan struct{}
	Remote() string
}

// Dialer opens a Channel to host:port.
type Dialer func(ctx context.Context, host string, port int) (Channel, error)

// RelayDialer adapts relay.Dial.
func RelayDialer(cfg relay.Config) Dialer {
	return func(ctx context.Context, host string, port int) (Channel, error) {
		return relay.Dial(ctx, host, port, cfg)
	}
}

// Info describes an outbound session.
type Info struct {
	ID        string    `json:"id"`
	PeerID    peer.ID   `json:"peer_id,omitempty"`
	Remote    string    `json:"remote"`
	StartedAt time.Time `json:"started_at"`
}

type session struct {
	info Info
	ch   Channel
}

// Orchestrator owns outbound sessions. Sessions are independent: a write
// failure ends only the session it happened on.
type Orchestrator struct {
	bus         *events.Bus
	queue       *capture.Queue
	dial        Dialer
	dialTimeout time.Duration
	metrics     *metrics.Collector
	logger      *zap.SugaredLogger
	sub         *events.Subscription

	mu       sync.Mutex
	sessions map[string]*session
	closing  bool
	wg       sync.WaitGroup
}

// New creates an orchestrator that drains queue into dialled channels. It
// subscribes to the bus immediately, so Run must follow.
func New(bus *events.Bus, queue *capture.Queue, dial Dialer, m *metrics.Collector, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		bus:         bus,
		queue:       queue,
		dial:        dial,
		dialTimeout: 10 * time.Second,
		metrics:     m,
		logger:      logger,
		sub:         bus.Subscribe(32),
		sessions:    make(map[string]*session),
	}
}

// Run reacts to accepted handoffs and pumps pointer events until ctx is
// cancelled, then closes every session.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub := o.sub

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		o.pump(ctx)
	}()

	defer func() {
		// Unsubscribe first: closing sessions publishes events that this
		// loop would no longer drain.
		sub.Close()
		o.closeAll()
		<-pumpDone
		o.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if acc, ok := ev.(events.ResponseAccepted); ok {
				o.wg.Add(1)
				go func() {
					defer o.wg.Done()
					if _, err := o.Connect(ctx, acc.ResponderID, acc.Host, acc.Port); err != nil {
						o.logger.Warnw("Could not open relay session", "peer", acc.ResponderID, "host", acc.Host, "port", acc.Port, "error", err)
					}
				}()
			}
		}
	}
}

// Connect dials a relay channel and registers it as a session.
func (o *Orchestrator) Connect(ctx context.Context, id peer.ID, host string, port int) (Info, error) {
	dctx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()

	ch, err := o.dial(dctx, host, port)
	if err != nil {
		o.publish(events.SessionClosed{Remote: fmt.Sprintf("%s:%d", host, port), Err: err.Error()})
		return Info{}, err
	}

	s := &session{
		info: Info{ID: uuid.NewString(), PeerID: id, Remote: ch.Remote(), StartedAt: time.Now()},
		ch:   ch,
	}
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		ch.Close()
		return Info{}, ErrShuttingDown
	}
	o.sessions[s.info.ID] = s
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.SessionOpened()
	o.logger.Infow("Relay session opened", "session", s.info.ID, "peer", id, "remote", s.info.Remote)
	o.publish(events.SessionOpened{SessionID: s.info.ID, PeerID: id, Remote: s.info.Remote})

	go func() {
		defer o.wg.Done()
		<-ch.Done()
		o.end(s, errors.New("remote closed"))
	}()
	return s.info, nil
}

// pump delivers queued events in FIFO order to every open session.
func (o *Orchestrator) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.queue.Events():
			if !ok {
				return
			}
			for _, s := range o.snapshot() {
				if err := s.ch.Send(ev.X, ev.Y); err != nil {
					o.metrics.RelayFrame("out", "error")
					o.end(s, err)
					continue
				}
				o.metrics.RelayFrame("out", "ok")
			}
		}
	}
}

func (o *Orchestrator) snapshot() []*session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s)
	}
	return out
}

// end removes s exactly once and reports why it ended.
func (o *Orchestrator) end(s *session, cause error) {
	o.mu.Lock()
	_, ok := o.sessions[s.info.ID]
	delete(o.sessions, s.info.ID)
	o.mu.Unlock()
	if !ok {
		return
	}

	s.ch.Close()
	o.metrics.SessionClosed()
	closed := events.SessionClosed{SessionID: s.info.ID, Remote: s.info.Remote}
	if cause != nil {
		closed.Err = cause.Error()
	}
	o.logger.Infow("Relay session closed", "session", s.info.ID, "remote", s.info.Remote, "cause", cause)
	o.publish(closed)
}

// CloseSession ends one session on request.
func (o *Orchestrator) CloseSession(id string) error {
	o.mu.Lock()
	s, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	o.end(s, nil)
	return nil
}

func (o *Orchestrator) closeAll() {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	for _, s := range o.snapshot() {
		o.end(s, nil)
	}
}

// Sessions lists open outbound sessions, oldest first.
func (o *Orchestrator) Sessions() []Info {
	list := o.snapshot()
	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (o *Orchestrator) publish(e events.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}
