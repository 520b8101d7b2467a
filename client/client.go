// Package client is the peer-side runtime for the hub: it dials the
// websocket endpoint, routes inbound calls to registered handlers, and
// replies inline or through the blob side-channel depending on size.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Salah1221/signalhub/internal/blob"
	"github.com/Salah1221/signalhub/internal/wire"
)

const (
	ioTimeout = 10 * time.Second

	DefaultMaxDirectDataSize = 10 * 1024
	DefaultTempFolder        = "signalr-temp"
)

// Handler executes one named method. The returned value is serialized
// into the reply envelope; a nil value becomes a null reply.
type Handler func(ctx context.Context, param json.RawMessage) (any, error)

type Config struct {
	// URL is the hub websocket endpoint.
	URL string
	// UserID is sent on the handshake; the transport layer owns real
	// authentication.
	UserID    string
	UserAgent string
	// Blobs receives replies larger than MaxDirectDataSize. Required
	// unless every handler result stays under the threshold.
	Blobs             blob.Store
	MaxDirectDataSize int
	TempFolder        string
	Logger            *log.Logger
	// OnEvent observes connection lifecycle events broadcast by the hub.
	OnEvent func(wire.ConnectionEvent)
}

func (c Config) validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("hub url is required")
	}
	return nil
}

type Client struct {
	cfg      Config
	logger   *log.Logger
	handlers map[string]Handler

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	closed  bool
}

func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxDirectDataSize <= 0 {
		cfg.MaxDirectDataSize = DefaultMaxDirectDataSize
	}
	if cfg.TempFolder == "" {
		cfg.TempFolder = DefaultTempFolder
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}, nil
}

// Handle registers the executor for a method name. Register everything
// before Connect.
func (c *Client) Handle(method string, handler Handler) {
	if handler == nil {
		panic("client: nil handler")
	}
	method = strings.TrimSpace(method)
	if method == "" {
		panic("client: empty method name")
	}
	c.handlers[method] = handler
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.UserID != "" {
		header.Set("X-User-ID", c.cfg.UserID)
	}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}

	dialer := websocket.Dialer{HandshakeTimeout: ioTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial hub websocket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Done closes when the connection has terminated.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		_ = c.Close()
	}()
	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Printf("hub read failed: %v", err)
			}
			return
		}

		switch frame.Type {
		case wire.FrameCall:
			if frame.Call == nil {
				c.logger.Printf("call frame without body")
				continue
			}
			go c.handleCall(*frame.Call)
		case wire.FrameEvent:
			if frame.Event != nil && c.cfg.OnEvent != nil {
				c.cfg.OnEvent(frame.Event.Event)
			}
		default:
			c.logger.Printf("unexpected frame type=%q", frame.Type)
		}
	}
}

// handleCall executes one inbound invocation and sends exactly one
// reply for its request id.
func (c *Client) handleCall(call wire.Call) {
	resp := c.execute(call)
	if err := c.sendReply(call.RequestID, resp); err != nil {
		c.logger.Printf("reply send failed request_id=%s method=%s err=%v", call.RequestID, call.Method, err)
	}
}

func (c *Client) execute(call wire.Call) (resp wire.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Printf("handler panic method=%s: %v", call.Method, rec)
			resp = wire.NewError(fmt.Sprintf("handler panic: %v", rec))
		}
	}()

	handler, ok := c.handlers[call.Method]
	if !ok {
		return wire.NewError(fmt.Sprintf("unknown method: %s", call.Method))
	}

	result, err := handler(context.Background(), call.Param)
	if err != nil {
		return wire.NewError(err.Error())
	}
	if result == nil {
		return wire.NewNull()
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return wire.NewError(fmt.Sprintf("marshal result: %v", err))
	}
	if len(encoded) <= c.cfg.MaxDirectDataSize {
		return wire.NewInlineRaw(encoded)
	}
	return c.spillover(call.Method, encoded)
}

// spillover uploads an oversized result to the side-channel and replies
// with the blob path instead of the payload.
func (c *Client) spillover(method string, encoded []byte) wire.Response {
	if c.cfg.Blobs == nil {
		return wire.NewError("result exceeds direct size and no blob store is configured")
	}
	name := fmt.Sprintf("%s_%s.json", method, uuid.NewString())
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	path, err := c.cfg.Blobs.Upload(ctx, encoded, name, c.cfg.TempFolder)
	if err != nil {
		c.logger.Printf("blob upload failed method=%s err=%v", method, err)
		return wire.NewError(fmt.Sprintf("upload result blob: %v", err))
	}
	return wire.NewBlob(path)
}

func (c *Client) sendReply(requestID string, resp wire.Response) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if err := conn.WriteJSON(wire.NewReplyFrame(requestID, resp)); err != nil {
		return fmt.Errorf("write reply frame: %w", err)
	}
	return nil
}
