package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("ws client closed")

const (
	maxRetryDelay = 30 * time.Second
	readLimit     = 1 << 20
)

// Client is a reconnecting indexer websocket. Each connection is a session;
// every recorded subscription is replayed when a session opens.
type Client struct {
	url       string
	retry     time.Duration
	keepalive time.Duration
	log       *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   []any
	closed bool
}

func New(url string, retry, keepalive time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, retry: retry, keepalive: keepalive, log: log}
}

// Subscribe records sub for replay. It is sent right away when a session
// is open.
func (c *Client) Subscribe(ctx context.Context, sub any) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, sub)
}

// Run opens sessions until ctx ends or Close is called, handing every
// message to handler. Reconnects back off exponentially from the retry
// delay; a session that delivered anything resets the backoff.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry
	bo.MaxInterval = maxRetryDelay
	bo.MaxElapsedTime = 0
	for {
		delivered, err := c.session(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return ErrClosed
		}
		if delivered > 0 {
			bo.Reset()
		}
		c.logSessionEnd(err, delivered)
		if !sleepCtx(ctx, bo.NextBackOff()) {
			return ctx.Err()
		}
	}
}

// Close ends the current session and stops Run.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "closing")
		c.conn = nil
	}
}

func (c *Client) session(ctx context.Context, handler func(json.RawMessage)) (int, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	subs, ok := c.attach(conn)
	if !ok {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
		return 0, ErrClosed
	}
	defer c.detach(conn)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, sub := range subs {
		if err := writeJSON(sctx, conn, sub); err != nil {
			return 0, fmt.Errorf("subscribe: %w", err)
		}
	}
	if c.keepalive > 0 {
		go keepAlive(sctx, conn, c.keepalive)
	}
	delivered := 0
	for {
		_, data, err := conn.Read(sctx)
		if err != nil {
			return delivered, err
		}
		delivered++
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

// attach installs conn as the live session and snapshots the subscriptions
// to replay on it.
func (c *Client) attach(conn *websocket.Conn) ([]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.conn = conn
	return append([]any(nil), c.subs...), true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "session ended")
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) logSessionEnd(err error, delivered int) {
	fields := []zap.Field{zap.String("url", c.url), zap.Int("messages", delivered), zap.Error(err)}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.log.Info("ws session ended", fields...)
		return
	}
	c.log.Warn("ws session failed", fields...)
}

// keepAlive pings until ctx ends. A failed ping drops the connection so the
// blocked Read returns and Run reconnects.
func keepAlive(ctx context.Context, conn *websocket.Conn, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, every)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				}
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
