// Package eventstream fans task and workflow state-transition events out
// to connected WebSocket clients (a `cylc tui`-equivalent or dashboard),
// grounded on the announce webui's broadcast-to-clients pattern: an
// upgrader plus one outbound channel per connection, not a PubSub bus
// shared with the command channel.
package eventstream

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one state-transition notification pushed to every subscriber.
type Event struct {
	Type      string `json:"type"` // "task" | "workflow" | "stall"
	TaskName  string `json:"task_name,omitempty"`
	Point     string `json:"point,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub tracks connected WebSocket subscribers and fans out every Publish
// call to each of them, dropping slow clients rather than blocking the
// scheduler's main loop.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan Event
}

// NewHub builds an empty hub. Origin checking is deliberately permissive
// (the command channel's bearer token is the real access control; this
// endpoint is read-only telemetry).
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[*websocket.Conn]chan Event),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("eventstream: upgrade failed", "error", err)
		return
	}
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	go h.drainInbound(conn)

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// drainInbound discards client messages (this stream is one-way) but must
// keep reading so gorilla/websocket's ping/pong control frames and close
// handshakes are processed; it returns — closing the connection — on any
// read error.
func (h *Hub) drainInbound(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			return
		}
	}
}

// Publish fans ev out to every connected client, skipping (and logging) any
// whose outbound buffer is full rather than blocking the caller.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.log.Warn("eventstream: dropping event for slow client", "remote", conn.RemoteAddr())
		}
	}
}

// Count reports the number of currently connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
