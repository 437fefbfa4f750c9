package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"livegrid/internal/core/domain"
	"livegrid/internal/infrastructure/broadcast"
	"livegrid/pkg/tracing"
	"livegrid/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Server frame types.
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
	TypeEvent        = "event"
	TypeError        = "error"
)

var (
	errQueueFull  = errors.New("send queue full")
	errConnClosed = errors.New("connection closed")
)

// StreamLookup resolves subscribe requests to existing streams.
type StreamLookup interface {
	GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
}

// ClientMessage is a control frame sent by a WebSocket client.
type ClientMessage struct {
	Type     string          `json:"type"`
	StreamID domain.StreamID `json:"stream_id,omitempty"`
}

// ServerMessage is a frame written to a WebSocket client.
type ServerMessage struct {
	Type     string              `json:"type"`
	StreamID domain.StreamID     `json:"stream_id,omitempty"`
	Event    *domain.StreamEvent `json:"event,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// Options tunes per-connection limits and keepalive.
type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	SendQueue    int

	// Zero MessagesPerSecond disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueue:      64,
		MaxMessageSize: 8 * 1024,
	}
}

// WebSocketServer pushes stream events to browser-style clients. Each
// connection subscribes to at most one stream at a time.
type WebSocketServer struct {
	registry *broadcast.Registry
	streams  StreamLookup
	opts     Options
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

// NewWebSocketServer creates a WebSocket transport publishing into registry.
func NewWebSocketServer(
	registry *broadcast.Registry,
	streams StreamLookup,
	opts Options,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	return &WebSocketServer{
		registry: registry,
		streams:  streams,
		opts:     opts,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Should be configured properly for production
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[string]*client),
	}
}

// HandleWebSocket upgrades the request and serves the client until it disconnects.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:     "ws_" + utils.ShortSuffix(utils.NewRequestID(), 16),
		conn:   conn,
		server: s,
		send:   make(chan []byte, s.opts.SendQueue),
		done:   make(chan struct{}),
	}
	if s.opts.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Infow("websocket client connected", "client_id", c.id, "remote_addr", r.RemoteAddr)

	go c.writePump()
	c.readPump(r.Context())

	c.close()
	s.registry.Remove(c.id)
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.logger.Infow("websocket client disconnected", "client_id", c.id)
}

// ConnectedClients returns the number of open connections.
func (s *WebSocketServer) ConnectedClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, msg ClientMessage) error {
	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, c.id)
	var err error
	defer func() { tracing.End(span, err) }()

	switch msg.Type {
	case TypeSubscribe:
		err = s.handleSubscribe(ctx, c, msg.StreamID)
	case TypeUnsubscribe:
		streamID := c.clearSubscription(nil)
		s.registry.Remove(c.id)
		err = c.enqueue(ServerMessage{Type: TypeUnsubscribed, StreamID: streamID})
	case TypePing:
		err = c.enqueue(ServerMessage{Type: TypePong})
	case "":
		err = fmt.Errorf("message type is required")
	default:
		err = fmt.Errorf("unknown message type: %s", msg.Type)
	}
	return err
}

func (s *WebSocketServer) handleSubscribe(ctx context.Context, c *client, streamID domain.StreamID) error {
	if streamID == "" {
		return fmt.Errorf("stream_id is required")
	}

	stream, err := s.streams.GetByID(ctx, streamID)
	if errors.Is(err, domain.ErrStreamNotFound) {
		return fmt.Errorf("stream %s not found", streamID)
	}
	if err != nil {
		s.logger.Warnw("stream lookup failed", "stream_id", streamID, "error", err)
		return fmt.Errorf("stream lookup failed")
	}
	if stream.Status.Terminal() {
		return fmt.Errorf("stream %s is %s", streamID, stream.Status)
	}

	sub := &subscription{client: c, streamID: streamID}
	c.setSubscription(sub)

	// Registered before the ack, so every event after the ack is delivered.
	// An event racing the subscribe may arrive ahead of the ack.
	s.registry.Add(sub)

	// A terminal event published between the lookup and Add never reached
	// sub, so look again before acknowledging.
	latest, err := s.streams.GetByID(ctx, streamID)
	gone := errors.Is(err, domain.ErrStreamNotFound)
	if gone || (err == nil && latest.Status.Terminal()) {
		if c.clearSubscription(sub) != "" {
			s.registry.Remove(c.id)
			if gone {
				return fmt.Errorf("stream %s not found", streamID)
			}
			return fmt.Errorf("stream %s is %s", streamID, latest.Status)
		}
		// Already evicted: the terminal event and the unsubscribe are
		// queued for c, so an ack would arrive after them.
		return nil
	}
	return c.enqueue(ServerMessage{Type: TypeSubscribed, StreamID: streamID})
}

type client struct {
	id      string
	conn    *websocket.Conn
	server  *WebSocketServer
	send    chan []byte
	limiter *rate.Limiter

	mu  sync.Mutex
	sub *subscription

	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) readPump(ctx context.Context) {
	opts := c.server.opts
	if opts.MaxMessageSize > 0 {
		c.conn.SetReadLimit(opts.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Infow("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			if c.enqueue(ServerMessage{Type: TypeError, Error: "rate limit exceeded"}) != nil {
				return
			}
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if c.enqueue(ServerMessage{Type: TypeError, Error: "invalid message"}) != nil {
				return
			}
			continue
		}

		if err := c.server.handleMessage(ctx, c, msg); err != nil {
			if errors.Is(err, errQueueFull) {
				return
			}
			if c.enqueue(ServerMessage{Type: TypeError, StreamID: msg.StreamID, Error: err.Error()}) != nil {
				return
			}
		}
	}
}

// writePump is the only goroutine writing to the connection.
func (c *client) writePump() {
	opts := c.server.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue never blocks; a full queue means the client is too slow to keep.
func (c *client) enqueue(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errQueueFull
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		// writePump sends the close frame and closes the conn, which also
		// ends readPump.
		close(c.done)
	})
}

func (c *client) setSubscription(sub *subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// clearSubscription drops the current subscription, or only sub when non-nil,
// and returns the stream it was scoped to.
func (c *client) clearSubscription(sub *subscription) domain.StreamID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil || (sub != nil && c.sub != sub) {
		return ""
	}
	id := c.sub.streamID
	c.sub = nil
	return id
}

// subscription is the registry handle for one client's interest in one stream.
type subscription struct {
	client   *client
	streamID domain.StreamID
}

func (s *subscription) ID() string             { return s.client.id }
func (s *subscription) Scope() domain.StreamID { return s.streamID }

func (s *subscription) Deliver(event domain.StreamEvent) error {
	return s.client.enqueue(ServerMessage{Type: TypeEvent, StreamID: event.StreamID, Event: &event})
}

// Evict on a terminal event only ends the subscription; the connection stays
// open for another subscribe. A failed delivery tears the connection down.
func (s *subscription) Evict(reason broadcast.EvictReason) {
	switch reason {
	case broadcast.ReasonStreamStopped:
		if s.client.clearSubscription(s) == "" {
			return
		}
		msg := ServerMessage{Type: TypeUnsubscribed, StreamID: s.streamID, Reason: string(reason)}
		if err := s.client.enqueue(msg); err != nil {
			s.client.close()
		}
	default:
		s.client.server.logger.Infow("closing slow websocket client", "client_id", s.client.id, "reason", reason)
		s.client.close()
	}
}
