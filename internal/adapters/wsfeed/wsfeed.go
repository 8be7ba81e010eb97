// Package wsfeed provides a venue-agnostic websocket ports.FeedTransport.
// The caller supplies the stream URL, a frame decoder, and optionally a
// subscribe-message builder; the transport runs the read/write pumps and
// hands decoded ticks to the connection supervisor.
package wsfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradeguard/internal/domain"
	"tradeguard/internal/ports"
)

// Decoder turns one raw frame into ticks. Control frames and heartbeats
// decode to an empty slice, not an error.
type Decoder func(raw []byte) ([]domain.Tick, error)

// SubscribeFunc builds the wire message that subscribes a symbol. Leave it
// nil for venues that encode the subscription in the stream URL.
type SubscribeFunc func(symbol string) ([]byte, error)

// Config holds the transport's construction parameters.
type Config struct {
	URL          string
	Decode       Decoder
	SubscribeMsg SubscribeFunc
	ReadTimeout  time.Duration // default 60s
	WriteTimeout time.Duration // default 10s
	PingInterval time.Duration // default 20s
	ReadLimit    int64         // default 5MB
	Logger       ports.Logger
	Dialer       *websocket.Dialer
}

// Transport dials websocket feed connections.
type Transport struct {
	cfg Config
}

// NewTransport validates the configuration and returns a Transport.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: stream URL is required", ports.ErrConfigurationError)
	}
	if cfg.Decode == nil {
		return nil, fmt.Errorf("%w: frame decoder is required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 5 * 1024 * 1024
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Transport{cfg: cfg}, nil
}

// Dial opens one websocket connection and starts its pumps.
func (t *Transport) Dial(ctx context.Context) (ports.FeedConn, error) {
	conn, _, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ports.ErrConnectionFailed, t.cfg.URL, err)
	}
	t.cfg.Logger.Info(ctx, "Websocket feed connected", map[string]interface{}{"url": t.cfg.URL})

	c := &wsConn{
		cfg:  &t.cfg,
		conn: conn,
		msgs: make(chan domain.Tick, 256),
		errs: make(chan error, 4),
		send: make(chan []byte, 16),
		done: make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// wsConn is one live websocket connection. The write pump owns all writes;
// Subscribe only enqueues.
type wsConn struct {
	cfg  *Config
	conn *websocket.Conn
	msgs chan domain.Tick
	errs chan error
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe enqueues the venue's subscription message for the symbol.
func (c *wsConn) Subscribe(symbol string) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection is closed", ports.ErrFeedClosed)
	default:
	}
	if c.cfg.SubscribeMsg == nil {
		// Subscription is encoded in the stream URL.
		return nil
	}
	msg, err := c.cfg.SubscribeMsg(symbol)
	if err != nil {
		return fmt.Errorf("build subscribe message for %s: %w", symbol, err)
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection is closed", ports.ErrFeedClosed)
	}
}

func (c *wsConn) Messages() <-chan domain.Tick { return c.msgs }

func (c *wsConn) Errs() <-chan error { return c.errs }

// Close tears the connection down. The read pump then closes the message
// channel, which the supervisor takes as end of stream.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

// fail reports a pump error without ever blocking.
func (c *wsConn) fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// readPump pumps frames off the websocket, decodes them, and forwards the
// ticks. It is the only writer to msgs and closes it on exit.
func (c *wsConn) readPump() {
	defer func() {
		_ = c.conn.Close()
		close(c.msgs)
	}()

	c.conn.SetReadLimit(c.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Deliberate close, not a transport failure.
			default:
				c.fail(fmt.Errorf("%w: read: %v", ports.ErrConnectionFailed, err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		ticks, err := c.cfg.Decode(raw)
		if err != nil {
			// A malformed frame is dropped; it does not kill the stream.
			c.cfg.Logger.Warn(context.Background(), "Dropping undecodable feed frame", map[string]interface{}{"error": err.Error()})
			continue
		}
		for _, tick := range ticks {
			select {
			case c.msgs <- tick:
			case <-c.done:
				return
			}
		}
	}
}

// writePump serializes all writes: subscription messages and keepalive
// pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.fail(fmt.Errorf("%w: write: %v", ports.ErrConnectionFailed, err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(fmt.Errorf("%w: ping: %v", ports.ErrConnectionFailed, err))
				return
			}
		}
	}
}
