// Package progress fans job events out to websocket listeners.
package progress

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/incogthemself/site-snapshot/internal/job"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Progress is read-only telemetry, so any origin may listen.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub broadcasts job events to every connected websocket client. Publishing
// never blocks: when the broadcast buffer is full the event is dropped, and a
// client that cannot keep up is disconnected.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	broadcast chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub constructs a Hub and starts its broadcast loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	go h.loop()
	return h
}

// Publish implements job.Sink.
func (h *Hub) Publish(evt job.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn("marshal progress event failed", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		// A full buffer means nobody is reading fast enough; progress events
		// are superseded by later ones, so dropping is safe.
	}
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("progress listener connected", "clients", count)

	// Reads are discarded; the read loop only notices disconnects.
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Close disconnects every client and stops the broadcast loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for conn := range h.clients {
			conn.Close()
		}
		h.clients = make(map[*websocket.Conn]bool)
		h.mu.Unlock()
	})
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.done:
			return
		case data := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("progress listener disconnected", "clients", count)
}
