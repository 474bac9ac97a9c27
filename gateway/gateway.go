// Package gateway exposes the broadcast fabric to clients: a WebSocket
// endpoint with token authentication, per-channel subscriptions, and
// application-level keepalive.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pipelit/pipelit/broadcast"
)

const (
	// DefaultPingInterval is how long outbound silence lasts before the
	// server sends an application ping.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is how long the client has to answer a ping.
	DefaultPongTimeout = 10 * time.Second

	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// Client-to-server and server-to-client control message types. Events pass
// through with their own envelope.
const (
	msgSubscribe    = "subscribe"
	msgSubscribed   = "subscribed"
	msgUnsubscribe  = "unsubscribe"
	msgUnsubscribed = "unsubscribed"
	msgPing         = "ping"
	msgPong         = "pong"
	msgError        = "error"
)

type controlMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server upgrades HTTP requests to streaming connections fed by the bus.
type Server struct {
	bus    *broadcast.Bus
	secret []byte
	logger *slog.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration
	upgrader     websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithPingInterval overrides the keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// WithPongTimeout overrides the keepalive answer deadline.
func WithPongTimeout(d time.Duration) Option {
	return func(s *Server) { s.pongTimeout = d }
}

// NewServer creates the streaming endpoint handler.
func NewServer(bus *broadcast.Bus, secret []byte, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bus:          bus,
		secret:       secret,
		logger:       logger,
		pingInterval: DefaultPingInterval,
		pongTimeout:  DefaultPongTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the connection, authenticates the token query parameter,
// and runs the streaming protocol. Authentication failures close with policy
// violation (1008) so the client can distinguish them from network errors.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	subject, err := verifyToken(s.secret, r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Warn("Streaming auth failed", "remote", r.RemoteAddr, "error", err)
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), deadline)
		_ = conn.Close()
		return
	}

	c := &client{
		server:  s,
		conn:    conn,
		subject: subject,
		send:    make(chan []byte, sendQueueSize),
		pong:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		subs:    make(map[string]*broadcast.Subscriber),
	}
	s.logger.Info("Streaming client connected", "subject", subject, "remote", r.RemoteAddr)
	go c.writePump()
	c.readPump()
}

// client is one streaming connection.
type client struct {
	server  *Server
	conn    *websocket.Conn
	subject string

	send chan []byte
	pong chan struct{}

	mu     sync.Mutex
	subs   map[string]*broadcast.Subscriber
	done   chan struct{}
	closed bool
}

// readPump handles client control messages until the connection drops.
func (c *client) readPump() {
	defer c.close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.control(controlMsg{Type: msgError, Error: "malformed message"})
			continue
		}
		switch msg.Type {
		case msgSubscribe:
			c.subscribe(msg.Channel)
		case msgUnsubscribe:
			c.unsubscribe(msg.Channel)
		case msgPong:
			select {
			case c.pong <- struct{}{}:
			default:
			}
		default:
			c.control(controlMsg{Type: msgError, Error: "unknown message type " + msg.Type})
		}
	}
}

// writePump serializes all outbound traffic and runs the keepalive: a ping
// after pingInterval of outbound silence, disconnect if no pong arrives
// within pongTimeout.
func (c *client) writePump() {
	idle := time.NewTimer(c.server.pingInterval)
	defer idle.Stop()
	defer c.close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(data); err != nil {
				return
			}
			resetTimer(idle, c.server.pingInterval)
		case <-idle.C:
			ping, _ := json.Marshal(controlMsg{Type: msgPing})
			if err := c.write(ping); err != nil {
				return
			}
			select {
			case <-c.pong:
			case <-time.After(c.server.pongTimeout):
				c.server.logger.Info("Streaming client missed pong", "subject", c.subject)
				return
			case <-c.done:
				return
			}
			resetTimer(idle, c.server.pingInterval)
		case <-c.done:
			return
		}
	}
}

func (c *client) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// subscribe attaches the client to a channel; events flow until unsubscribe,
// eviction, or disconnect.
func (c *client) subscribe(channel string) {
	if channel == "" {
		c.control(controlMsg{Type: msgError, Error: "channel is required"})
		return
	}
	c.mu.Lock()
	if _, exists := c.subs[channel]; exists {
		c.mu.Unlock()
		c.control(controlMsg{Type: msgSubscribed, Channel: channel})
		return
	}
	sub := c.server.bus.Subscribe(channel)
	c.subs[channel] = sub
	c.mu.Unlock()

	go c.forward(sub)
	c.control(controlMsg{Type: msgSubscribed, Channel: channel})
}

func (c *client) unsubscribe(channel string) {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	if ok {
		delete(c.subs, channel)
	}
	c.mu.Unlock()
	if ok {
		c.server.bus.Unsubscribe(sub)
	}
	c.control(controlMsg{Type: msgUnsubscribed, Channel: channel})
}

// forward moves one subscription's events onto the shared send queue,
// preserving per-channel publish order.
func (c *client) forward(sub *broadcast.Subscriber) {
	for ev := range sub.Events() {
		data, err := ev.Encode()
		if err != nil {
			c.server.logger.Error("Failed to encode event", "channel", sub.Channel(), "error", err)
			continue
		}
		select {
		case c.send <- data:
		case <-c.done:
			return
		}
	}
}

func (c *client) control(msg controlMsg) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*broadcast.Subscriber)
	close(c.done)
	c.mu.Unlock()

	for _, sub := range subs {
		c.server.bus.Unsubscribe(sub)
	}
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.conn.Close()
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
