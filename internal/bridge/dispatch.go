package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// inboundFrame is the envelope for relay-to-gateway messages.
type inboundFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`
	SceneID   string `json:"scene_id,omitempty"`
	Command   string `json:"command,omitempty"`
	Value     any    `json:"value,omitempty"`
}

// dispatch routes one inbound frame. Malformed or unknown frames are
// logged and swallowed; the connection stays open.
func (c *Client) dispatch(ctx context.Context, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("bridge frame rejected", "error", fmt.Errorf("%w: %v", ErrProtocol, err))
		return
	}

	switch frame.Type {
	case "pong":
		// Heartbeat answer, nothing to do.
	case "ping":
		c.sendFrame("pong", frame.RequestID, nil)
	case "get_devices":
		c.handleGetDevices(ctx, frame)
	case "control_entity":
		c.handleControlEntity(ctx, frame)
	case "run_scene":
		c.handleRunScene(ctx, frame)
	default:
		c.logger.Warn("bridge frame rejected",
			"error", fmt.Errorf("%w: unknown type %q", ErrProtocol, frame.Type))
	}
}

// handleGetDevices answers an inventory request with the full device
// snapshot of the home.
func (c *Client) handleGetDevices(ctx context.Context, frame inboundFrame) {
	snapshots, err := c.inv.Snapshot(ctx, c.homeID)
	if err != nil {
		c.logger.Error("bridge inventory failed", "error", err)
		c.sendAck(frame.RequestID, false, map[string]any{"message": err.Error()})
		return
	}

	c.sendFrame("get_devices_response", frame.RequestID, map[string]any{
		"home_id": c.homeID,
		"devices": snapshots,
	})
	c.logger.Debug("bridge inventory sent", "devices", len(snapshots))
}

// handleControlEntity translates the relay's command vocabulary and
// publishes the command toward the entity.
func (c *Client) handleControlEntity(ctx context.Context, frame inboundFrame) {
	command, err := normalizeCommand(frame.Command, frame.Value)
	if err != nil {
		c.logger.Warn("bridge command rejected", "entity_id", frame.EntityID, "error", err)
		c.sendAck(frame.RequestID, false, map[string]any{"message": err.Error()})
		return
	}

	if err := c.cmd.SendCommand(ctx, frame.EntityID, command); err != nil {
		c.logger.Warn("bridge command failed", "entity_id", frame.EntityID, "error", err)
		c.sendAck(frame.RequestID, false, map[string]any{"message": err.Error()})
		return
	}

	c.logger.Info("bridge command executed",
		"entity_id", frame.EntityID, "command", frame.Command)
	c.sendAck(frame.RequestID, true, map[string]any{"entity_id": frame.EntityID})
}

// handleRunScene executes a stored scene on the relay's behalf.
func (c *Client) handleRunScene(ctx context.Context, frame inboundFrame) {
	executed, err := c.scenes.Run(ctx, frame.SceneID)
	if err != nil {
		c.logger.Warn("bridge scene failed", "scene_id", frame.SceneID, "error", err)
		c.sendAck(frame.RequestID, false, map[string]any{"message": err.Error()})
		return
	}

	c.logger.Info("bridge scene executed", "scene_id", frame.SceneID, "actions", executed)
	c.sendAck(frame.RequestID, true, map[string]any{
		"scene_id": frame.SceneID,
		"actions":  executed,
	})
}

// normalizeCommand maps the relay vocabulary onto attribute maps:
//
//	on / turn_on      -> {"power": true}
//	off / turn_off    -> {"power": false}
//	value "ON"/"OFF"  -> {"power": true/false}
//	value <other>     -> {"value": <value>}
//	set_value <any>   -> {"value": <value>}
//
// Only the "value" command collapses ON/OFF strings into a power flag;
// set_value always carries its value raw. Device codecs then decide the
// wire form (power becomes ON/OFF, a sole value is published bare).
func normalizeCommand(command string, value any) (map[string]any, error) {
	switch command {
	case "on", "turn_on":
		return map[string]any{"power": true}, nil
	case "off", "turn_off":
		return map[string]any{"power": false}, nil
	}

	if command == "value" {
		if s, ok := value.(string); ok {
			switch strings.ToUpper(s) {
			case "ON":
				return map[string]any{"power": true}, nil
			case "OFF":
				return map[string]any{"power": false}, nil
			}
		}
	}
	if value == nil {
		return nil, fmt.Errorf("%w: command %q carries no value", ErrProtocol, command)
	}
	return map[string]any{"value": value}, nil
}

// sendAck reports the outcome of a relay request.
func (c *Client) sendAck(requestID string, success bool, data map[string]any) {
	status := "success"
	if !success {
		status = "error"
	}
	frame := map[string]any{
		"type":       "ack",
		"request_id": requestID,
		"status":     status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if data != nil {
		frame["data"] = data
	}
	if err := c.send(frame); err != nil {
		c.logger.Warn("bridge ack dropped", "request_id", requestID, "error", err)
	}
}

// sendFrame sends a typed frame echoing the request id when present.
func (c *Client) sendFrame(frameType, requestID string, fields map[string]any) {
	frame := map[string]any{
		"type":      frameType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if requestID != "" {
		frame["request_id"] = requestID
	}
	for k, v := range fields {
		frame[k] = v
	}
	if err := c.send(frame); err != nil {
		c.logger.Warn("bridge frame dropped", "type", frameType, "error", err)
	}
}
