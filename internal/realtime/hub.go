// Package realtime pushes settlement events to connected users over
// WebSocket. Connections are registered under the authenticated user's
// ID; an event addressed to a user fans out to every connection they
// have open, so both a browser tab and a mobile session see the credit
// land without polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hirewire/hirewire/internal/metrics"
	"github.com/hirewire/hirewire/internal/settlement"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Envelope wraps an event on the wire with its delivery metadata.
type Envelope struct {
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Data      settlement.Event `json:"data"`
}

// Client represents one WebSocket connection for one user.
type Client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

type delivery struct {
	userID  string
	payload []byte
}

// Hub manages WebSocket connections keyed by user ID.
type Hub struct {
	byUser     map[string]map[*Client]bool
	deliver    chan delivery
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	clientCount atomic.Int64
	totalEvents atomic.Int64
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		byUser:     make(map[string]map[*Client]bool),
		deliver:    make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for _, conns := range h.byUser {
				for client := range conns {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
			}
			h.byUser = make(map[string]map[*Client]bool)
			h.clientCount.Store(0)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			conns := h.byUser[client.userID]
			if conns == nil {
				conns = make(map[*Client]bool)
				h.byUser[client.userID] = conns
			}
			conns[client] = true
			n := h.clientCount.Add(1)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "userId", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.byUser[client.userID]; ok && conns[client] {
				delete(conns, client)
				if len(conns) == 0 {
					delete(h.byUser, client.userID)
				}
				close(client.send)
				h.clientCount.Add(-1)
			}
			n := h.clientCount.Load()
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "userId", client.userID, "total", n)

		case d := <-h.deliver:
			h.totalEvents.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.byUser[d.userID] {
				select {
				case client.send <- d.payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock.
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if conns, ok := h.byUser[client.userID]; ok && conns[client] {
						delete(conns, client)
						if len(conns) == 0 {
							delete(h.byUser, client.userID)
						}
						close(client.send)
						h.clientCount.Add(-1)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Notify queues an event for delivery to every connection the user has
// open. It implements the settlement Notifier and never blocks.
func (h *Hub) Notify(userID string, event settlement.Event) {
	payload, err := json.Marshal(Envelope{
		Type:      event.Kind,
		Timestamp: time.Now(),
		Data:      event,
	})
	if err != nil {
		return
	}
	select {
	case h.deliver <- delivery{userID: userID, payload: payload}:
	default:
		h.logger.Warn("delivery channel full, dropping event", "userId", userID)
	}
}

// Stats returns hub statistics for the admin dashboard.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": h.clientCount.Load(),
		"connectedUsers":   len(h.byUser),
		"totalEvents":      h.totalEvents.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket for the given user. The
// caller resolves userID from the authenticated request.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	if h.clientCount.Load() >= int64(h.maxClients) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// detach hands the client back to the hub, or gives up if the hub has
// already stopped and nothing is receiving unregisters.
func (c *Client) detach() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// readPump drains the connection so pings and close frames are
// processed. Inbound messages carry no meaning here.
func (c *Client) readPump() {
	defer func() {
		c.detach()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}
	}
}

// writePump writes messages to the WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
