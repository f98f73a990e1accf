package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/hearth-core/internal/device"
	"github.com/nerrad567/hearth-core/internal/infrastructure/config"
	"github.com/nerrad567/hearth-core/internal/infrastructure/logging"
)

// State is the bridge connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Inventory supplies the device listing sent in response to get_devices.
type Inventory interface {
	Snapshot(ctx context.Context, homeID string) ([]device.DeviceSnapshot, error)
}

// Commander publishes a command toward an entity.
type Commander interface {
	SendCommand(ctx context.Context, entityID string, command map[string]any) error
}

// SceneRunner executes a stored scene.
type SceneRunner interface {
	Run(ctx context.Context, sceneID string) (int, error)
}

// Client maintains the relay connection and serves its traffic.
type Client struct {
	cfg    config.BridgeConfig
	homeID string
	inv    Inventory
	cmd    Commander
	scenes SceneRunner
	logger *logging.Logger
	dialer *websocket.Dialer

	floor     time.Duration
	ceiling   time.Duration
	heartbeat time.Duration

	// sleep waits between reconnect attempts. Injectable so backoff
	// tests run without real delays. Returns false when ctx ended.
	sleep func(ctx context.Context, d time.Duration) bool

	state atomic.Int32

	// writeMu serialises frames; gorilla connections allow one
	// concurrent writer. conn is nil outside an active session.
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// New creates a bridge client. The client does nothing until Run is
// called.
func New(cfg config.BridgeConfig, homeID string, inv Inventory, cmd Commander, scenes SceneRunner, logger *logging.Logger) *Client {
	floor := time.Duration(cfg.ReconnectFloor) * time.Second
	if floor <= 0 {
		floor = time.Second
	}
	ceiling := time.Duration(cfg.ReconnectCeiling) * time.Second
	if ceiling < floor {
		ceiling = floor
	}
	heartbeat := time.Duration(cfg.HeartbeatInterval) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	return &Client{
		cfg:       cfg,
		homeID:    homeID,
		inv:       inv,
		cmd:       cmd,
		scenes:    scenes,
		logger:    logger,
		dialer:    websocket.DefaultDialer,
		floor:     floor,
		ceiling:   ceiling,
		heartbeat: heartbeat,
		sleep:     sleepContext,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Run connects to the relay and keeps the connection alive until the
// context is cancelled. Blocks; run it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	defer c.state.Store(int32(StateStopping))

	delay := c.floor
	for ctx.Err() == nil {
		c.state.Store(int32(StateConnecting))

		conn, err := c.dial(ctx)
		if err != nil {
			c.state.Store(int32(StateDisconnected))
			c.logger.Warn("bridge connect failed", "error", err, "retry_in", delay)
		} else {
			delay = c.floor
			c.state.Store(int32(StateConnected))
			c.logger.Info("bridge connected", "url", c.cfg.URL)
			c.serve(ctx, conn)
			c.state.Store(int32(StateDisconnected))
			c.logger.Info("bridge disconnected", "retry_in", delay)
		}

		if !c.sleep(ctx, delay) {
			return
		}
		delay *= 2
		if delay > c.ceiling {
			delay = c.ceiling
		}
	}
}

// dial opens the relay connection, identifying the gateway via query
// parameters.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target := fmt.Sprintf("%s?gateway_id=%s&secret=%s",
		c.cfg.URL, url.QueryEscape(c.cfg.GatewayID), url.QueryEscape(c.cfg.Secret))

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing relay (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	return conn, nil
}

// serve runs one connected session: a receive loop and a heartbeat loop
// share a cancellation signal, so either failing tears down both
// without deadlocking the other.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setConn(conn)
	defer c.setConn(nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.receiveLoop(sctx, conn)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.heartbeatLoop(sctx)
	}()

	<-sctx.Done()
	conn.Close() // unblocks ReadMessage
	wg.Wait()
}

// receiveLoop reads relay frames until the connection drops.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("bridge read failed", "error", err)
			}
			return
		}
		c.dispatch(ctx, data)
	}
}

// heartbeatLoop sends periodic application-level pings so idle
// connections survive NAT and proxy timeouts.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.send(map[string]any{
				"type":      "ping",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				c.logger.Warn("bridge heartbeat failed", "error", err)
				return
			}
		}
	}
}

// OnStateChange forwards an entity state change to the relay. Fire and
// forget: when the bridge is offline the update is dropped, the relay
// resynchronises with get_devices after reconnect.
func (c *Client) OnStateChange(change device.StateChange) {
	if c.State() != StateConnected {
		return
	}
	err := c.send(map[string]any{
		"type":      "state_update",
		"id":        uuid.NewString(),
		"entity_id": change.EntityID,
		"state":     change.NewState,
		"online":    change.Online,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.logger.Debug("bridge state update dropped", "entity_id", change.EntityID, "error", err)
	}
}

// setConn publishes the session connection for senders.
func (c *Client) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

// send marshals and writes one frame to the current connection.
func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// sleepContext waits d or until ctx ends, reporting whether the full
// wait elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
