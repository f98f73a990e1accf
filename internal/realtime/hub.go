package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/hearth-core/internal/infrastructure/config"
	"github.com/nerrad567/hearth-core/internal/infrastructure/logging"
)

// Event types broadcast to clients.
const (
	EventEntityState    = "entity_state"
	EventDeviceStatus   = "device_status"
	EventSceneActivated = "scene_activated"
)

// Message types exchanged with clients.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgEvent       = "event"
	MsgResponse    = "response"
	MsgError       = "error"
)

// Message is the wire format for hub traffic in both directions.
type Message struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// SubscribePayload is the payload for subscribe/unsubscribe messages.
type SubscribePayload struct {
	Events []string `json:"events"`
}

// upgrader configures the WebSocket upgrader. Origin checking is the
// responsibility of the HTTP middleware in front of the hub.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Hub manages WebSocket clients grouped by home and broadcasts events
// to each group.
type Hub struct {
	cfg    config.RealtimeConfig
	logger *logging.Logger

	mu    sync.RWMutex
	homes map[string]map[*Client]struct{}
}

// NewHub creates a new broadcast hub.
func NewHub(cfg config.RealtimeConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:    cfg,
		logger: logger,
		homes:  make(map[string]map[*Client]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// HandleConnect upgrades the HTTP request to a WebSocket connection and
// registers the client in the given home's group.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request, homeID string) {
	if homeID == "" {
		http.Error(w, "home id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		homeID: homeID,
		send:   make(chan []byte, h.cfg.SendBuffer),
		events: make(map[string]struct{}),
	}

	h.register(client)

	go client.writePump(h.cfg)
	go client.readPump(h.cfg)
}

// Broadcast sends an event to every client of the home. Clients whose
// buffers are full miss the event; they resynchronise via the snapshot
// endpoint on reconnect.
func (h *Hub) Broadcast(homeID, event string, payload any) {
	msg := Message{
		Type:      MsgEvent,
		EventType: event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	// Snapshot the group under the hub lock, send outside it.
	h.mu.RLock()
	group := make([]*Client, 0, len(h.homes[homeID]))
	for client := range h.homes[homeID] {
		group = append(group, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range group {
		if client.wants(event) {
			client.trySend(data)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "home_id", homeID, "event", event, "recipients", sent)
	}
}

// ClientCount returns the number of connected clients across all homes.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, group := range h.homes {
		n += len(group)
	}
	return n
}

// HomeClientCount returns the number of clients in one home's group.
func (h *Hub) HomeClientCount(homeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.homes[homeID])
}

// register adds a client to its home group.
func (h *Hub) register(client *Client) {
	h.mu.Lock()
	group, ok := h.homes[client.homeID]
	if !ok {
		group = make(map[*Client]struct{})
		h.homes[client.homeID] = group
	}
	group[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("websocket client connected",
		"home_id", client.homeID, "clients", h.ClientCount())
}

// unregister removes a client from its home group. Only the goroutine
// that removes the client from the map closes the send channel, which
// prevents double-close panics during shutdown.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	group := h.homes[client.homeID]
	_, existed := group[client]
	delete(group, client)
	if len(group) == 0 {
		delete(h.homes, client.homeID)
	}
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected",
		"home_id", client.homeID, "clients", h.ClientCount())
}

// closeAll disconnects all clients and closes their send channels so
// writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for homeID, group := range h.homes {
		for client := range group {
			close(client.send)
			if client.conn != nil {
				client.conn.Close()
			}
		}
		delete(h.homes, homeID)
	}
}
