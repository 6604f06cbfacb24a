// Package discoverytest provides an in-memory datagram network for tests
// that exercise discovery and handoff without real sockets.
package discoverytest

import (
	"net"
	"os"
	"sync"
	"time"
)

type packet struct {
	data []byte
	from *net.UDPAddr
}

// Network routes datagrams between Conns. Multicast destinations reach
// every Conn bound to the destination port, including the sender.
type Network struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{conns: make(map[string]*Conn)}
}

// Listen binds a Conn at ip:port.
func (n *Network) Listen(ip string, port int) *Conn {
	c := &Conn{
		net:    n,
		addr:   &net.UDPAddr{IP: net.ParseIP(ip).To4(), Port: port},
		in:     make(chan packet, 64),
		closed: make(chan struct{}),
	}
	n.mu.Lock()
	n.conns[c.addr.String()] = c
	n.mu.Unlock()
	return c
}

func (n *Network) route(p packet, to *net.UDPAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if to.IP.IsMulticast() {
		for _, c := range n.conns {
			if c.addr.Port == to.Port {
				c.deliver(p)
			}
		}
		return
	}
	if c, ok := n.conns[to.String()]; ok {
		c.deliver(p)
	}
}

// Conn is an in-memory datagram endpoint.
type Conn struct {
	net  *Network
	addr *net.UDPAddr
	in   chan packet

	mu       sync.Mutex
	deadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *Conn) deliver(p packet) {
	select {
	case <-c.closed:
	case c.in <- p:
	default:
		// Full inbox drops like a real socket buffer.
	}
}

// Inject queues a raw datagram as if it arrived from from.
func (c *Conn) Inject(data []byte, from *net.UDPAddr) {
	c.deliver(packet{data: append([]byte(nil), data...), from: from})
}

// Pending reports queued datagrams.
func (c *Conn) Pending() int {
	return len(c.in)
}

// Next pops one queued datagram without waiting.
func (c *Conn) Next() ([]byte, *net.UDPAddr, bool) {
	select {
	case p := <-c.in:
		return p.data, p.from, true
	default:
		return nil, nil, false
	}
}

func (c *Conn) LocalAddr() net.Addr { return c.addr }

func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			select {
			case p := <-c.in:
				return copy(b, p.data), p.from, nil
			default:
				return 0, nil, os.ErrDeadlineExceeded
			}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case p := <-c.in:
		return copy(b, p.data), p.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	to, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, &net.AddrError{Err: "not a UDP address", Addr: addr.String()}
	}
	c.net.route(packet{data: append([]byte(nil), b...), from: c.addr}, to)
	return len(b), nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.net.mu.Lock()
		delete(c.net.conns, c.addr.String())
		c.net.mu.Unlock()
	})
	return nil
}
