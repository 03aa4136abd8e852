// Package ws — WebSocket hub broadcasting Storage state-change events to
// subscribers in real time. Unlike a single generic broadcast stream, each
// connection can narrow itself to a subset of model.EventType values (an
// order-desk UI cares about OrderStored/OrderRemoved; a positions dashboard
// cares about OpenStored/ClosedStored/BucketUpdated) so a busy sweep pass
// doesn't push irrelevant traffic to every client.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perpcore/engine/internal/model"
)

// subscription tracks which event types a connection wants. A nil or empty
// types set means "everything" — the default for a client that connects
// without an events query parameter.
type subscription struct {
	conn  *websocket.Conn
	types map[model.EventType]bool
}

func (s *subscription) wants(t model.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	return s.types[t]
}

// Hub manages WebSocket connections and broadcasts a model.Event to every
// subscribed client whenever Storage is mutated by the Engine or the
// Executor sweep.
type Hub struct {
	clients    map[*websocket.Conn]*subscription
	broadcast  chan model.Event
	register   chan *subscription
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*subscription),
		broadcast:  make(chan model.Event, 256),
		register:   make(chan *subscription),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("ws client connected", "total", total, "filtered", len(sub.types) > 0)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case evt := <-h.broadcast:
			h.deliver(evt)
		}
	}
}

// deliver marshals evt once and writes it only to the subscriptions that
// asked for its EventType, dropping any connection whose write fails.
func (h *Hub) deliver(evt model.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	h.mu.RLock()
	dead := make([]*websocket.Conn, 0)
	for conn, sub := range h.clients {
		if !sub.wants(evt.Type) {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	if len(dead) == 0 {
		return
	}
	h.mu.Lock()
	for _, conn := range dead {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// Broadcast queues an Event for delivery to every subscriber whose filter
// admits its type.
func (h *Hub) Broadcast(evt model.Event) {
	select {
	case h.broadcast <- evt:
	default:
		// Drop if the buffer is full to avoid blocking the Engine/Executor.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins; tighten at the reverse proxy.
	},
}

// parseEventTypes reads a comma-separated `events` query parameter (e.g.
// ?events=OpenStored,ClosedStored) into a subscription filter. An empty or
// missing parameter subscribes to every event type.
func parseEventTypes(raw string) map[model.EventType]bool {
	if raw == "" {
		return nil
	}
	types := make(map[model.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			types[model.EventType(part)] = true
		}
	}
	return types
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	sub := &subscription{conn: conn, types: parseEventTypes(r.URL.Query().Get("events"))}
	h.register <- sub

	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
