package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/virtfleet/virtfleet/internal/scheduler"
)

// streamHub fans placement decisions out to websocket subscribers.
type streamHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

func newStreamHub(logger *zap.Logger) *streamHub {
	return &streamHub{
		logger: logger.Named("stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The event surface is a trusted local simulator loopback.
				return true
			},
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// handleSubscribe upgrades the connection and registers it for decisions.
func (h *streamHub) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Stream subscriber connected", zap.Int("subscribers", n))

	// Drain (and discard) client frames so close handshakes are noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

// Broadcast sends a decision to every subscriber, dropping broken
// connections.
func (h *streamHub) Broadcast(d scheduler.Decision) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		if err := conn.WriteJSON(d); err != nil {
			h.logger.Debug("Dropping stream subscriber", zap.Error(err))
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Close disconnects all subscribers and rejects new ones.
func (h *streamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for conn := range h.clients {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

func (h *streamHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
}
