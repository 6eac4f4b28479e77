// Package gateway carries the websocket side of the room protocol. The Hub
// tracks connections and rooms and implements session.Publisher.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victornm/meetbet/internal/event"
	"github.com/victornm/meetbet/internal/protocol"
	"github.com/victornm/meetbet/internal/telemetry"
)

type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	// SendBuffer is the number of frames queued per connection before it is
	// considered too slow and dropped.
	SendBuffer int

	Metrics *telemetry.Metrics
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      64,
	}
}

type Hub struct {
	c        Config
	upgrader websocket.Upgrader
	metrics  *telemetry.Metrics

	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn
}

func NewHub(c Config) *Hub {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}

	return &Hub{
		c: c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  c.ReadBufferSize,
			WriteBufferSize: c.WriteBufferSize,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		metrics: c.Metrics,
		conns:   make(map[string]*Conn),
		rooms:   make(map[string]map[string]*Conn),
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	h.metrics.ConnOpened()
}

// unregister forgets c and removes it from every room.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.id]; !ok {
		return
	}

	delete(h.conns, c.id)
	for id := range c.rooms {
		h.leave(id, c.id)
	}

	h.metrics.ConnClosed()
}

func (h *Hub) Subscribe(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return
	}

	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[string]*Conn)
		h.rooms[sessionID] = room
	}
	room[connID] = c
	c.rooms[sessionID] = struct{}{}
}

func (h *Hub) Unsubscribe(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leave(sessionID, connID)
}

func (h *Hub) leave(sessionID, connID string) {
	room, ok := h.rooms[sessionID]
	if !ok {
		return
	}

	if c, ok := room[connID]; ok {
		delete(c.rooms, sessionID)
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, sessionID)
	}
}

// Send queues e to a single connection.
func (h *Hub) Send(ctx context.Context, connID string, e event.Event) {
	b, err := protocol.Encode(e)
	if err != nil {
		slog.ErrorContext(ctx, "gateway: encode event failed", "event", e.Name(), "error", err)
		return
	}

	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	h.deliver(ctx, c, b)
	h.metrics.FramesSent(protocol.WireName(e), 1)
}

// Broadcast queues e to every connection of the room. The frame is encoded
// once. Connections that cannot keep up are dropped instead of blocking the
// caller.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, e event.Event) {
	b, err := protocol.Encode(e)
	if err != nil {
		slog.ErrorContext(ctx, "gateway: encode event failed", "event", e.Name(), "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[sessionID]))
	for _, c := range h.rooms[sessionID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(ctx, c, b)
	}

	h.metrics.FramesSent(protocol.WireName(e), len(targets))
	slog.DebugContext(ctx, "gateway: event broadcast",
		"event", protocol.WireName(e),
		"session", sessionID,
		"connections", len(targets),
	)
}

func (h *Hub) deliver(ctx context.Context, c *Conn, b []byte) {
	if c.enqueue(b) {
		return
	}

	slog.WarnContext(ctx, "gateway: send buffer full, dropping connection", "conn", c.id)
	h.metrics.ConnDropped()
	c.close()
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns)
}

// Close closes every open connection. Their read loops then run the normal
// disconnect path.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}
