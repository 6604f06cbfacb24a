package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pointerlink/internal/protocol"
)

// Conn is the controller end of a relay session. It does not reconnect;
// a failed session is simply over.
type Conn struct {
	cfg    Config
	ws     *websocket.Conn
	remote string

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial opens a relay session to host:port.
func Dial(ctx context.Context, host string, port int, cfg Config) (*Conn, error) {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: Path}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("dial %s: %w", u.Host, ErrSessionBusy)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	c := &Conn{
		cfg:    cfg,
		ws:     ws,
		remote: u.Host,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Remote returns host:port of the target.
func (c *Conn) Remote() string {
	return c.remote
}

// Done is closed when the session has ended for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the session ended, once Done is closed.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// Send writes one pointer position. There is no acknowledgement.
func (c *Conn) Send(x, y int) error {
	data, err := protocol.EncodeRelay(protocol.MouseMove(x, y))
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.finish(err)
		return err
	}
	return nil
}

// readLoop consumes control frames so pongs and close frames are processed.
func (c *Conn) readLoop() {
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.finish(err)
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.finish(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.ws.Close()
	})
}

// Close ends the session with a normal closure.
func (c *Conn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.finish(nil)
	return nil
}
