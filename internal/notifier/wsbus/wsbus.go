// Package wsbus publishes ticker alerts to the downstream trading event bus
// over a persistent websocket.
package wsbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pollwatch/internal/alert"
	logx "pollwatch/pkg/logx"
)

type Config struct {
	URL              string
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// Channel sends alert.BusMessage frames. Alerts without a ticker are not
// sent. A broken connection is dropped and redialled on the next send or
// keep-alive round.
type Channel struct {
	cfg    Config
	log    logx.Logger
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("wsbus: url is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Channel{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "wsbus")),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}, nil
}

func (c *Channel) Name() string { return "bus" }

func (c *Channel) Accepts(a alert.Alert) bool { return a.Ticker != "" }

func (c *Channel) Send(ctx context.Context, a alert.Alert) error {
	return c.WriteJSON(ctx, a.Bus())
}

// WriteJSON writes v as one text frame, dialling first if needed.
func (c *Channel) WriteJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.connLocked(ctx)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(v); err != nil {
		c.dropLocked(conn)
		return fmt.Errorf("wsbus write: %w", err)
	}
	return nil
}

// Connected reports whether a connection is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("wsbus dial: %w", err)
	}
	c.conn = conn
	c.log.Info("connected", logx.String("url", c.cfg.URL))
	go c.drain(conn)
	return conn, nil
}

// drain reads and discards inbound frames so control frames are processed
// and a closed peer is noticed.
func (c *Channel) drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.log.Warn("connection lost", logx.Err(err))
				c.dropLocked(conn)
			}
			c.mu.Unlock()
			return
		}
	}
}

func (c *Channel) dropLocked(conn *websocket.Conn) {
	_ = conn.Close()
	if c.conn == conn {
		c.conn = nil
	}
}

// Run keeps the connection alive until ctx is done: it pings an open
// connection every PingInterval and redials a dropped one with backoff.
func (c *Channel) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	wait := time.Duration(0)
	for {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return c.Close()
		case <-t.C:
		}

		err := c.ping(ctx)
		if err == nil {
			backoff = c.cfg.ReconnectMin
			wait = c.cfg.PingInterval
			continue
		}
		if ctx.Err() != nil {
			return c.Close()
		}
		c.log.Warn("event bus unreachable", logx.Err(err), logx.Duration("retry_in", backoff))
		wait = backoff
		backoff = min(backoff*2, c.cfg.ReconnectMax)
	}
}

func (c *Channel) ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.connLocked(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.dropLocked(conn)
		return fmt.Errorf("wsbus ping: %w", err)
	}
	return nil
}

// Close sends a close frame and drops the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(time.Second))
	c.dropLocked(conn)
	return nil
}
