// Package transport exposes the daemon's external surfaces: the gRPC
// gateway (see gateway/) and the websocket event stream the observer UI
// uses to follow audit and anomaly traffic live.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/connectias/warden/internal/eventbus"
)

// Message is the JSON frame sent to stream clients.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Frame type values.
const (
	MessageSecurityEvent   = "security_event"
	MessageAnomaly         = "anomaly"
	MessagePluginLifecycle = "plugin_lifecycle"
)

type streamClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *StreamServer
}

// StreamServer broadcasts security, anomaly and lifecycle events from the
// bus to connected websocket clients.
type StreamServer struct {
	bus    *eventbus.Bus
	logger *log.Logger

	clients    map[*streamClient]bool
	broadcast  chan []byte
	register   chan *streamClient
	unregister chan *streamClient
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
}

// StreamOption configures a StreamServer.
type StreamOption func(*StreamServer)

// WithStreamLogger sets the stream server's logger.
func WithStreamLogger(logger *log.Logger) StreamOption {
	return func(s *StreamServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStreamServer creates a websocket event stream server.
// The originAllowed function validates the Origin header on upgrades; a nil
// function rejects every cross-origin request.
func NewStreamServer(bus *eventbus.Bus, originAllowed func(string) bool, opts ...StreamOption) *StreamServer {
	s := &StreamServer{
		bus:        bus,
		logger:     log.Default(),
		clients:    make(map[*streamClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if originAllowed != nil {
					return originAllowed(origin)
				}
				return false
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClientCount returns the number of connected clients.
func (s *StreamServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Run drives the hub until ctx is cancelled. Replay-buffered topics deliver
// their recent history into the broadcast when Run subscribes.
func (s *StreamServer) Run(ctx context.Context) {
	audit := eventbus.SubscribeTo(s.bus, eventbus.Audit.Security)
	anomalies := eventbus.SubscribeTo(s.bus, eventbus.Anomalies.Detected)
	lifecycle := eventbus.SubscribeTo(s.bus, eventbus.Plugins.Lifecycle)

	var subs eventbus.SubscriptionGroup
	subs.Add(audit, anomalies, lifecycle)
	defer subs.CloseAll()

	auditCh := audit.C()
	anomalyCh := anomalies.C()
	lifecycleCh := lifecycle.C()

	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
			s.mu.Unlock()

		case payload := <-s.broadcast:
			s.fanOut(payload)

		case env, ok := <-auditCh:
			if !ok {
				auditCh = nil
				continue
			}
			s.publish(MessageSecurityEvent, env.Payload)

		case env, ok := <-anomalyCh:
			if !ok {
				anomalyCh = nil
				continue
			}
			s.publish(MessageAnomaly, env.Payload)

		case env, ok := <-lifecycleCh:
			if !ok {
				lifecycleCh = nil
				continue
			}
			s.publish(MessagePluginLifecycle, env.Payload)

		case <-ctx.Done():
			s.mu.Lock()
			for client := range s.clients {
				close(client.send)
				delete(s.clients, client)
			}
			s.mu.Unlock()
			return
		}
	}
}

func (s *StreamServer) publish(msgType string, data interface{}) {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.logger.Printf("[Stream] Marshal %s: %v", msgType, err)
		return
	}
	s.fanOut(payload)
}

func (s *StreamServer) fanOut(payload []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- payload:
		default:
			// Client's send channel is full, skip
		}
	}
}

// HandleWebSocket handles websocket connection upgrades.
func (s *StreamServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[Stream] Upgrade error: %v", err)
		return
	}

	client := &streamClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  s,
	}

	s.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes client frames. Stream clients are read-only; inbound
// data beyond control frames is discarded.
func (c *streamClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Printf("[Stream] Client %s read error: %v", c.id, err)
			}
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
