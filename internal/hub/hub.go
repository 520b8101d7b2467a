// Package hub is the frame transport adapter: it accepts websocket
// connections, runs one inbound frame loop per connection, and exposes
// per-connection send plus broadcast for the correlator.
package hub

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Salah1221/signalhub/internal/ids"
	"github.com/Salah1221/signalhub/internal/metrics"
	"github.com/Salah1221/signalhub/internal/pending"
	"github.com/Salah1221/signalhub/internal/registry"
	"github.com/Salah1221/signalhub/internal/wire"
)

const (
	writeTimeout     = 10 * time.Second
	maxFrameBytes    = 1 << 20
	DefaultEventName = "ConnectionEvent"
)

// Authenticator is the seam to the transport handshake. It yields the
// authenticated user id for an upgrade request; an empty id admits the
// socket as an unauthenticated, registry-invisible connection.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts a front-proxy header for the user identity.
type HeaderAuthenticator struct {
	Header string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := a.Header
	if header == "" {
		header = "X-User-ID"
	}
	return strings.TrimSpace(r.Header.Get(header)), nil
}

type Options struct {
	// EventMethod names the frame used to broadcast connection events.
	EventMethod string
	// TrackUserAgent captures the User-Agent header at open.
	TrackUserAgent bool
	CheckOrigin    func(r *http.Request) bool
}

// EventObserver receives lifecycle events after they have been
// broadcast, e.g. the side-channel dispatcher.
type EventObserver interface {
	Dispatch(ctx context.Context, event wire.ConnectionEvent)
}

type Hub struct {
	logger   *log.Logger
	registry *registry.Registry
	pending  *pending.Table
	auth     Authenticator
	opts     Options
	observer EventObserver
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
}

type conn struct {
	id        string
	userID    string
	userAgent string
	ws        *websocket.Conn
	writeMu   sync.Mutex
}

func New(logger *log.Logger, reg *registry.Registry, table *pending.Table, auth Authenticator, opts Options) *Hub {
	if opts.EventMethod == "" {
		opts.EventMethod = DefaultEventName
	}
	if auth == nil {
		auth = HeaderAuthenticator{}
	}
	h := &Hub{
		logger:   logger,
		registry: reg,
		pending:  table,
		auth:     auth,
		opts:     opts,
		conns:    make(map[string]*conn),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: opts.CheckOrigin}
	reg.SetEventSink(h)
	return h
}

// SetEventObserver wires an out-of-band event destination alongside the
// frame broadcast.
func (h *Hub) SetEventObserver(obs EventObserver) {
	h.observer = obs
}

func (h *Hub) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// HandleWS upgrades the request and runs the connection until its
// transport drops.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("ws upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	userAgent := ""
	if h.opts.TrackUserAgent {
		userAgent = r.Header.Get("User-Agent")
	}

	c := &conn{
		id:        ids.New(),
		userID:    userID,
		userAgent: userAgent,
		ws:        ws,
	}

	h.register(c)
	if err := h.registry.OnOpen(r.Context(), c.userID, c.id, c.userAgent); err != nil {
		h.logger.Printf("registry open failed connection_id=%s user_id=%s err=%v", c.id, c.userID, err)
		h.unregister(c)
		_ = ws.Close()
		return
	}

	go h.readLoop(c)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectedConnections.Inc()
	}
}

func (h *Hub) unregister(c *conn) bool {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if present && h.metrics != nil {
		h.metrics.ConnectedConnections.Dec()
	}
	return present
}

func (h *Hub) readLoop(c *conn) {
	defer h.drop(c)
	for {
		var frame wire.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Printf("read failed connection_id=%s err=%v", c.id, err)
			}
			return
		}
		go h.handleFrame(c, frame)
	}
}

// handleFrame processes one inbound frame. Failures are contained: a
// panic or bad frame on one connection never tears down its siblings.
func (h *Hub) handleFrame(c *conn, frame wire.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Printf("frame handler panic connection_id=%s: %v", c.id, rec)
		}
	}()

	if h.metrics != nil {
		h.metrics.FrameCounter.WithLabelValues(string(frame.Type), "inbound").Inc()
	}

	switch frame.Type {
	case wire.FrameReply:
		if frame.Reply == nil {
			h.logger.Printf("reply frame without body connection_id=%s", c.id)
			return
		}
		if !h.pending.Complete(frame.Reply.RequestID, frame.Reply.Response) {
			h.logger.Printf("late reply dropped request_id=%s connection_id=%s", frame.Reply.RequestID, c.id)
		}
	default:
		h.logger.Printf("unexpected frame type=%q connection_id=%s", frame.Type, c.id)
	}
}

func (h *Hub) drop(c *conn) {
	if !h.unregister(c) {
		return
	}
	_ = c.ws.Close()
	if err := h.registry.OnClose(context.Background(), c.userID, c.id); err != nil {
		h.logger.Printf("registry close failed connection_id=%s user_id=%s err=%v", c.id, c.userID, err)
	}
}

// SendTo delivers one frame to one connection. Unknown ids fail; the
// caller decides whether that is fatal.
func (h *Hub) SendTo(ctx context.Context, connID string, frame wire.Frame) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown connection: %s", connID)
	}
	return h.write(c, frame)
}

// Broadcast delivers the frame to every current connection. Individual
// send failures are logged and skipped.
func (h *Hub) Broadcast(ctx context.Context, frame wire.Frame) error {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := h.write(c, frame); err != nil {
			h.logger.Printf("broadcast send failed connection_id=%s err=%v", c.id, err)
		}
	}
	return nil
}

func (h *Hub) write(c *conn, frame wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if h.metrics != nil {
		h.metrics.FrameCounter.WithLabelValues(string(frame.Type), "outbound").Inc()
	}
	return nil
}

// ConnectionEvent implements registry.EventSink: lifecycle events are
// broadcast as event frames and handed to the observer.
func (h *Hub) ConnectionEvent(ctx context.Context, event wire.ConnectionEvent) {
	frame := wire.NewEventFrame(h.opts.EventMethod, event)
	if err := h.Broadcast(ctx, frame); err != nil {
		h.logger.Printf("event broadcast failed connection_id=%s err=%v", event.ConnectionID, err)
	}
	if h.observer != nil {
		h.observer.Dispatch(ctx, event)
	}
}

// Len reports the number of addressable connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
