package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"pointerlink/internal/discovery"
	"pointerlink/internal/events"
	"pointerlink/internal/handoff"
	"pointerlink/internal/input"
	"pointerlink/internal/metrics"
	"pointerlink/internal/peer"
	"pointerlink/internal/protocol"
	"pointerlink/internal/relay"
)

func defaultOptions() protocol.Options {
	return protocol.DefaultOptions()
}

// cmdList listens for beacons for a while and prints the peers it saw.
func cmdList(ctx context.Context, args []string) error {
	fs, g := newFlagSet("list")
	wait := fs.Duration("for", 5*time.Second, "how long to listen")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}
	env, err := g.load()
	if err != nil {
		return err
	}
	defer env.close()

	self, err := identity(env.cfg)
	if err != nil {
		return err
	}
	bus := events.NewBus(env.logger.Named("events"))
	defer bus.Close()
	disc, err := discovery.New(env.cfg.DiscoveryOptions(), self, bus, env.logger.Named("discovery"))
	if err != nil {
		return err
	}
	if err := disc.Open(ctx); err != nil {
		return err
	}
	defer disc.Close()

	ctx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()
	if err := disc.Run(ctx); err != nil {
		return err
	}
	return printPeers(os.Stdout, disc.Peers(), *asJSON)
}

func printPeers(w io.Writer, peers []peer.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if peers == nil {
			peers = []peer.Record{}
		}
		return enc.Encode(peers)
	}
	if len(peers) == 0 {
		_, err := fmt.Fprintln(w, "No peers found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tRELAY PORT")
	for _, p := range peers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", p.ID.Short(), p.Name, p.Address, p.ControlPort)
	}
	return tw.Flush()
}

// cmdRequest sends one control request and waits for its outcome.
func cmdRequest(ctx context.Context, args []string) error {
	fs, g := newFlagSet("request")
	wait := fs.Duration("wait", 5*time.Second, "how long to look for the target before giving up")
	mapMode := fs.String("map", string(protocol.MapRelative), "coordinate mapping: relative, normalized or preserve")
	speed := fs.Float64("speed", 1.0, "pointer speed factor")
	interp := fs.Bool("interp", false, "ask the target to interpolate between positions")
	rate := fs.Int("interp-rate", 240, "interpolation rate in Hz")
	step := fs.Int("interp-step", 10, "interpolation step in pixels")
	deadzone := fs.Int("deadzone", 1, "ignore moves smaller than this many pixels")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("usage: pointerlink request [peer id, name or address]")
	}
	env, err := g.load()
	if err != nil {
		return err
	}
	defer env.close()

	opts := protocol.DefaultOptions()
	opts.Map = protocol.MapMode(*mapMode)
	opts.Speed = *speed
	opts.Interp = *interp
	opts.InterpRateHz = *rate
	opts.InterpStepPx = *step
	opts.DeadzonePx = *deadzone
	if err := opts.Validate(); err != nil {
		return err
	}

	self, err := identity(env.cfg)
	if err != nil {
		return err
	}
	bus := events.NewBus(env.logger.Named("events"))
	defer bus.Close()
	disc, err := discovery.New(env.cfg.DiscoveryOptions(), self, bus, env.logger.Named("discovery"))
	if err != nil {
		return err
	}
	hand := handoff.New(env.cfg.HandoffOptions(), self, disc, disc, bus, env.logger.Named("handoff"))
	disc.SetHandler(hand)
	sub := bus.Subscribe(32)
	defer sub.Close()

	if err := disc.Open(ctx); err != nil {
		return err
	}
	defer disc.Close()

	ctx, cancel := context.WithCancel(ctx)
	running := make(chan error, 1)
	go func() { running <- disc.Run(ctx) }()
	defer func() {
		cancel()
		<-running
	}()

	var target peer.ID
	if fs.NArg() == 1 {
		rec, err := awaitPeer(ctx, disc, fs.Arg(0), *wait)
		if err != nil {
			return err
		}
		target = rec.ID
		fmt.Printf("Requesting control of %s (%s)...\n", rec.Name, rec.Address)
	} else {
		fmt.Println("Requesting control from any peer...")
	}

	nonce, err := hand.RequestControl(target, opts)
	if err != nil {
		return err
	}
	return awaitOutcome(ctx, sub, nonce, os.Stdout)
}

// awaitPeer polls the registry until query resolves.
func awaitPeer(ctx context.Context, disc *discovery.Service, query string, wait time.Duration) (peer.Record, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		rec, err := matchPeer(disc.Peers(), query)
		if err == nil || !errors.Is(err, handoff.ErrUnknownPeer) {
			return rec, err
		}
		select {
		case <-ctx.Done():
			return peer.Record{}, ctx.Err()
		case <-deadline.C:
			return peer.Record{}, err
		case <-tick.C:
		}
	}
}

// matchPeer resolves query as a full id, an address, a name or a unique id
// prefix, in that order.
func matchPeer(peers []peer.Record, query string) (peer.Record, error) {
	for _, p := range peers {
		if string(p.ID) == query || p.Address == query {
			return p, nil
		}
	}
	for _, p := range peers {
		if strings.EqualFold(p.Name, query) {
			return p, nil
		}
	}
	var found []peer.Record
	for _, p := range peers {
		if strings.HasPrefix(string(p.ID), query) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return peer.Record{}, fmt.Errorf("%w: %q", handoff.ErrUnknownPeer, query)
	case 1:
		return found[0], nil
	default:
		return peer.Record{}, fmt.Errorf("%q matches %d peers", query, len(found))
	}
}

func awaitOutcome(ctx context.Context, sub *events.Subscription, nonce uint64, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return errors.New("event bus closed")
			}
			switch e := ev.(type) {
			case events.ResponseAccepted:
				if e.Nonce == nonce {
					fmt.Fprintf(w, "Accepted by %s: relay at %s\n", e.ResponderID.Short(), net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
					return nil
				}
			case events.ResponseDeclined:
				if e.Nonce == nonce {
					if e.Reason != "" {
						return fmt.Errorf("declined by %s: %s", e.ResponderID.Short(), e.Reason)
					}
					return fmt.Errorf("declined by %s", e.ResponderID.Short())
				}
			case events.RequestAbandoned:
				if e.Nonce == nonce {
					return errors.New("no answer before the timeout")
				}
			}
		}
	}
}

// cmdRelayServer accepts relay sessions without discovery or handoff.
func cmdRelayServer(ctx context.Context, args []string) error {
	fs, g := newFlagSet("relay-server")
	port := fs.Int("port", 0, "TCP port (default: relay.port)")
	exclusive := fs.Bool("exclusive", false, "allow only one controller at a time")
	if err := fs.Parse(args); err != nil {
		return err
	}
	env, err := g.load()
	if err != nil {
		return err
	}
	defer env.close()
	if *port == 0 {
		*port = env.cfg.Relay.Port
	}
	cfg := env.cfg.RelayOptions()
	if fs.Changed("exclusive") {
		cfg.Exclusive = *exclusive
	}

	srv := relay.NewServer(cfg, input.NewInjector(), nil, metrics.New(), env.logger.Named("relay"))
	ln, err := relay.Listen(*port)
	if err != nil {
		return err
	}
	env.logger.Infow("Relay server listening", "address", ln.Addr().String(), "path", relay.Path)

	mux := http.NewServeMux()
	mux.Handle(relay.Path, srv)
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return relay.Serve(ctx, ln, mux)
}

// cmdRelayClient forwards "x y" lines from stdin as pointer moves.
func cmdRelayClient(ctx context.Context, args []string) error {
	fs, g := newFlagSet("relay-client")
	port := fs.Int("port", 0, "TCP port (default: relay.port)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: pointerlink relay-client HOST [--port N]")
	}
	env, err := g.load()
	if err != nil {
		return err
	}
	defer env.close()
	if *port == 0 {
		*port = env.cfg.Relay.Port
	}

	conn, err := relay.Dial(ctx, fs.Arg(0), *port, env.cfg.RelayOptions())
	if err != nil {
		return err
	}
	defer conn.Close()
	env.logger.Infow("Connected", "remote", conn.Remote())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return conn.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			x, y, err := parseMove(line)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			if err := conn.Send(x, y); err != nil {
				return err
			}
		}
	}
}

// parseMove reads "x y" or "x,y".
func parseMove(line string) (int, int, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("want \"x y\", got %q", line)
	}
	x, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad x in %q", line)
	}
	y, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad y in %q", line)
	}
	return x, y, nil
}
