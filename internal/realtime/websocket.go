package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned when a slow peer has not drained its queue.
	ErrSendQueueFull = errors.New("send queue full")
)

// wsConn adapts a gorilla connection to Conn. Writes go through a buffered
// queue drained by a single writer goroutine.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	open   atomic.Bool
	mu     sync.Mutex
	closed chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) IsOpen() bool { return c.open.Load() }

func (c *wsConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open.Load() {
		return ErrConnClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// shutdown marks the connection closed; safe to call more than once.
func (c *wsConn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open.CompareAndSwap(true, false) {
		close(c.closed)
	}
}

func (c *wsConn) writePump(logger *logrus.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.WithError(err).WithField("conn", c.id).Debug("WebSocket write failed")
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.closed:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Handler upgrades HTTP requests to WebSocket connections and feeds their
// frames to the notifier.
type Handler struct {
	registry *Registry
	notifier *Notifier
	logger   *logrus.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	ctx context.Context
	wg  sync.WaitGroup
}

// NewHandler creates a Handler. An empty allowedOrigins accepts any origin.
// ctx bounds the lifetime of every connection the handler serves.
func NewHandler(ctx context.Context, registry *Registry, notifier *Notifier, logger *logrus.Logger, metrics *Metrics, allowedOrigins []string) *Handler {
	h := &Handler{
		registry: registry,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		ctx:      ctx,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(strings.ToLower(origin), "/")]
		return ok
	}
}

// ServeHTTP handles one WebSocket client until it disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade WebSocket connection")
		return
	}

	conn := newWSConn(ws)
	h.metrics.connOpened()
	h.logger.WithField("conn", conn.id).Debug("WebSocket connected")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		conn.writePump(h.logger)
	}()

	h.readPump(conn)
}

func (h *Handler) readPump(conn *wsConn) {
	defer func() {
		h.registry.Leave(conn)
		conn.shutdown()
		h.metrics.connClosed()
		h.logger.WithField("conn", conn.id).Debug("WebSocket disconnected")
	}()

	ws := conn.ws
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := context.AfterFunc(h.ctx, conn.shutdown)
	defer stop()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithField("conn", conn.id).Debug("WebSocket read failed")
			}
			return
		}
		if !conn.IsOpen() {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		h.notifier.HandleMessage(h.ctx, conn, data)
	}
}

// Wait blocks until every writer goroutine has exited.
func (h *Handler) Wait() {
	h.wg.Wait()
}
