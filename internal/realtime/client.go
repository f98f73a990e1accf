package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/hearth-core/internal/infrastructure/config"
)

// Client is one connected WebSocket consumer, bound to a home group.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	homeID string
	send   chan []byte

	// events is the client's event-type filter. Empty means everything.
	mu     sync.RWMutex
	events map[string]struct{}
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump(cfg config.RealtimeConfig) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline, keeping sessions
		// alive even when the peer ignores protocol-level pings.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *Client) writePump(cfg config.RealtimeConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming client message.
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case MsgSubscribe:
		c.handleSubscribe(msg)
	case MsgUnsubscribe:
		c.handleUnsubscribe(msg)
	case MsgPing:
		c.sendResponse(msg.ID, MsgPong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe narrows the client's feed to the listed event types.
func (c *Client) handleSubscribe(msg Message) {
	sub, ok := decodeSubscribe(msg.Payload)
	if !ok {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	c.mu.Lock()
	for _, ev := range sub.Events {
		c.events[ev] = struct{}{}
	}
	c.mu.Unlock()

	c.hub.logger.Debug("websocket client subscribed",
		"home_id", c.homeID, "events", sub.Events)

	c.sendResponse(msg.ID, MsgResponse, map[string]any{"subscribed": sub.Events})
}

// handleUnsubscribe removes event types from the client's filter.
func (c *Client) handleUnsubscribe(msg Message) {
	sub, ok := decodeSubscribe(msg.Payload)
	if !ok {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	for _, ev := range sub.Events {
		delete(c.events, ev)
	}
	c.mu.Unlock()

	c.sendResponse(msg.ID, MsgResponse, map[string]any{"unsubscribed": sub.Events})
}

// decodeSubscribe extracts a SubscribePayload from a raw message payload.
func decodeSubscribe(payload any) (SubscribePayload, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SubscribePayload{}, false
	}
	var sub SubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		return SubscribePayload{}, false
	}
	return sub, true
}

// wants reports whether the client's filter admits the event type.
// An empty filter admits everything.
func (c *Client) wants(event string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.events) == 0 {
		return true
	}
	_, ok := c.events[event]
	return ok
}

// trySend delivers data to the client's buffer without blocking. A full
// buffer drops the message; a closed channel (client disconnected during
// broadcast) is absorbed.
func (c *Client) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// sendResponse sends a response message to the client through trySend so
// shutdown races stay harmless.
func (c *Client) sendResponse(id, msgType string, payload any) {
	msg := Message{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *Client) sendError(id, message string) {
	c.sendResponse(id, MsgError, map[string]string{"message": message})
}
