package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/picklistsync/internal/realtime"
)

// DefaultRetryInterval is the fixed delay between reconnection attempts.
const DefaultRetryInterval = 3 * time.Second

// Status is the connectivity state shown to the user.
type Status int32

const (
	StatusOffline Status = iota
	StatusConnecting
	StatusLive
)

func (s Status) String() string {
	switch s {
	case StatusLive:
		return "Live"
	case StatusConnecting:
		return "Connecting"
	default:
		return "Offline"
	}
}

// Channel keeps one WebSocket subscription to a share alive, reconnecting
// at a fixed interval and re-joining after every reconnect. Frames sent
// while it is down are held, latest only, and written right after the next
// join.
type Channel struct {
	wsURL         string
	shareToken    string
	handler       func(context.Context, realtime.Outbound)
	logger        *logrus.Logger
	dialer        *websocket.Dialer
	retryInterval time.Duration
	statusHook    func(Status)
	onReconnect   func(context.Context)

	mu      sync.Mutex
	conn    *websocket.Conn
	pending []byte
	joins   int
	stopped bool
	status  atomic.Int32
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithRetryInterval overrides the reconnection delay.
func WithRetryInterval(d time.Duration) ChannelOption {
	return func(c *Channel) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) ChannelOption {
	return func(c *Channel) {
		c.dialer = d
	}
}

// WithStatusHook registers a callback invoked on every status change.
func WithStatusHook(fn func(Status)) ChannelOption {
	return func(c *Channel) {
		c.statusHook = fn
	}
}

// WithOnReconnect registers a callback run after every successful join
// except the first, before any pushed message is handled.
func WithOnReconnect(fn func(context.Context)) ChannelOption {
	return func(c *Channel) {
		c.onReconnect = fn
	}
}

// NewChannel creates a channel for shareToken at wsURL. handler receives
// every message the server pushes; it runs on the channel's read goroutine.
func NewChannel(wsURL, shareToken string, handler func(context.Context, realtime.Outbound), logger *logrus.Logger, opts ...ChannelOption) *Channel {
	c := &Channel{
		wsURL:         wsURL,
		shareToken:    shareToken,
		handler:       handler,
		logger:        logger,
		dialer:        websocket.DefaultDialer,
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status returns the current connectivity state.
func (c *Channel) Status() Status {
	return Status(c.status.Load())
}

func (c *Channel) setStatus(s Status) {
	if Status(c.status.Swap(int32(s))) != s && c.statusHook != nil {
		c.statusHook(s)
	}
}

// Run connects and keeps reconnecting until ctx is cancelled. It returns
// nil on cancellation.
func (c *Channel) Run(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stopped = true
		c.pending = nil
		c.mu.Unlock()
	}()

	op := func() error {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		c.logger.WithError(err).Debugf("Realtime channel down, reconnecting in %s", next)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(c.retryInterval), ctx)
	err := backoff.RetryNotify(op, b, notify)
	c.setStatus(StatusOffline)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// session runs one connection until it drops; it always returns an error.
func (c *Channel) session(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		c.setStatus(StatusOffline)
		return fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}

	join, err := realtime.EncodeJoin(c.shareToken)
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		conn.Close()
		c.setStatus(StatusOffline)
		return fmt.Errorf("%w: join: %v", ErrTransport, err)
	}

	c.mu.Lock()
	if c.pending != nil {
		if err := conn.WriteMessage(websocket.TextMessage, c.pending); err != nil {
			c.mu.Unlock()
			conn.Close()
			c.setStatus(StatusOffline)
			return fmt.Errorf("%w: flush: %v", ErrTransport, err)
		}
		c.pending = nil
	}
	c.conn = conn
	c.joins++
	rejoined := c.joins > 1
	c.mu.Unlock()
	c.setStatus(StatusLive)
	c.logger.Debug("Realtime channel live")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.setStatus(StatusOffline)
	}()

	if rejoined && c.onReconnect != nil {
		c.onReconnect(ctx)
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrTransport, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := realtime.DecodeOutbound(data)
		if err != nil {
			c.logger.WithError(err).Debug("Ignoring unrecognised realtime message")
			continue
		}
		if c.handler != nil {
			c.handler(ctx, msg)
		}
	}
}

// Send writes a frame on the current connection. While the channel is not
// live the frame replaces any held one and goes out after the next join.
// It fails with ErrTransport once Run has returned.
func (c *Channel) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return fmt.Errorf("%w: channel is stopped", ErrTransport)
	}
	if c.conn == nil {
		c.pending = append([]byte(nil), msg...)
		return nil
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.logger.WithError(err).Debug("Realtime write failed; holding frame until reconnect")
		c.pending = append([]byte(nil), msg...)
	}
	return nil
}
