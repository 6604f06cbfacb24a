package main

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pointerlink/internal/api"
	"pointerlink/internal/capture"
	"pointerlink/internal/config"
	"pointerlink/internal/discovery"
	"pointerlink/internal/events"
	"pointerlink/internal/handoff"
	"pointerlink/internal/input"
	"pointerlink/internal/metrics"
	"pointerlink/internal/network"
	"pointerlink/internal/osutils"
	"pointerlink/internal/peer"
	"pointerlink/internal/relay"
	"pointerlink/internal/session"
	"pointerlink/internal/ui"
)

// node is one running peer: discovery, handoff, capture, relay endpoint,
// session orchestration and the local API.
type node struct {
	cfg    config.Config
	logger *zap.SugaredLogger

	self      peer.Self
	metrics   *metrics.Collector
	bus       *events.Bus
	discovery *discovery.Service
	handoff   *handoff.Protocol
	queue     *capture.Queue
	capture   *capture.Source
	relay     *relay.Server
	sessions  *session.Orchestrator
	api       *api.Server
}

func identity(cfg config.Config) (peer.Self, error) {
	addr, err := network.PrimaryIP(cfg.Identity.Address)
	if err != nil {
		return peer.Self{}, err
	}
	return peer.Self{
		ID:            peer.NewID(),
		Name:          network.DisplayName(cfg.Identity.Name),
		Address:       addr,
		ControlPort:   cfg.Relay.Port,
		DiscoveryPort: cfg.Discovery.Port,
	}, nil
}

func newNode(cfg config.Config, logger *zap.SugaredLogger) (*node, error) {
	self, err := identity(cfg)
	if err != nil {
		return nil, err
	}

	n := &node{cfg: cfg, logger: logger, self: self, metrics: metrics.New()}
	n.bus = events.NewBus(logger.Named("events"))

	n.discovery, err = discovery.New(cfg.DiscoveryOptions(), self, n.bus, logger.Named("discovery"), discovery.WithMetrics(n.metrics))
	if err != nil {
		return nil, err
	}
	n.handoff = handoff.New(cfg.HandoffOptions(), self, n.discovery, n.discovery, n.bus, logger.Named("handoff"), handoff.WithMetrics(n.metrics))
	n.discovery.SetHandler(n.handoff)

	n.queue = capture.NewQueue(cfg.Capture.QueueSize)
	n.capture, err = capture.NewSource(&capture.State{}, n.queue, cfg.Capture.Hotkey, n.bus, n.metrics, logger.Named("capture"))
	if err != nil {
		return nil, err
	}

	n.relay = relay.NewServer(cfg.RelayOptions(), input.NewInjector(), n.bus, n.metrics, logger.Named("relay"))
	n.sessions = session.New(n.bus, n.queue, session.RelayDialer(cfg.RelayOptions()), n.metrics, logger.Named("session"))

	deps := api.Deps{
		Self:     self,
		Peers:    n.discovery,
		Handoff:  n.handoff,
		Sessions: n.sessions,
		Inbound:  n.relay,
		Capture:  n.capture,
		Bus:      n.bus,
		Panel:    ui.Handler("pointerlink · " + self.Name),
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = n.metrics.Handler()
	}
	n.api = api.NewServer(deps, cfg.API.Token, logger.Named("api"))
	return n, nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Socket setup failures are returned before anything runs.
func (n *node) Run(ctx context.Context) error {
	if err := osutils.EnsureFirewallRules(osutils.DefaultRules(n.cfg.Discovery.Port, n.cfg.Relay.Port), n.logger); err != nil {
		n.logger.Warnw("Could not add firewall rules", "error", err)
	}

	if err := n.discovery.Open(ctx); err != nil {
		return err
	}
	ln, err := relay.Listen(n.cfg.Relay.Port)
	if err != nil {
		n.discovery.Close()
		return err
	}

	if n.cfg.Capture.Enabled {
		if err := n.capture.Start(input.NewTrap()); err != nil {
			if !errors.Is(err, input.ErrUnsupported) {
				n.discovery.Close()
				ln.Close()
				return err
			}
			n.logger.Warnw("Input capture is not available on this platform; this machine can only be controlled")
		}
	}

	n.logger.Infow("pointerlink started",
		"id", n.self.ID, "name", n.self.Name, "address", n.self.Address,
		"relay_port", n.self.ControlPort, "discovery_port", n.self.DiscoveryPort)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.discovery.Run(ctx) })
	g.Go(func() error { return n.sessions.Run(ctx) })
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle(relay.Path, n.relay)
		return relay.Serve(ctx, ln, mux)
	})
	if n.cfg.API.Enabled {
		g.Go(func() error { return n.api.Run(ctx, n.cfg.API.Address) })
	}
	g.Go(func() error {
		<-ctx.Done()
		// Closing the relay server ends inbound sessions so Serve can drain.
		return n.relay.Close()
	})

	err = g.Wait()
	return multierr.Append(err, n.Close())
}

// Close releases what Run acquired.
func (n *node) Close() error {
	err := multierr.Combine(
		n.capture.Close(),
		n.discovery.Close(),
	)
	n.queue.Close()
	n.bus.Close()
	return err
}

// controller adapts the node to the tray.
type controller struct {
	n      *node
	cancel context.CancelFunc
}

func (c controller) RequestControl(id peer.ID) error {
	_, err := c.n.handoff.RequestControl(id, defaultOptions())
	return err
}

func (c controller) CaptureActive() bool { return c.n.capture.Active() }

func (c controller) SetCapture(on bool) { c.n.capture.SetActive(on) }

func (c controller) OpenPanel() error {
	return ui.OpenBrowser(ui.PanelURL(c.n.cfg.API.Address, c.n.cfg.API.Token))
}

func (c controller) Quit() { c.cancel() }
