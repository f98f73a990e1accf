package device

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/hearth-core/internal/infrastructure/mqtt"
)

// Publisher is the slice of the MQTT client the controller needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Controller sends commands to controllable entities over MQTT.
//
// It resolves the entity's address through the store, encodes the command
// payload and publishes it on the entity's command topic. The device state
// is never written here; the hub only trusts state echoed back by the node.
type Controller struct {
	store     *Store
	publisher Publisher
	qos       byte
	logger    Logger
}

// NewController creates a controller publishing with the given QoS.
func NewController(store *Store, publisher Publisher, qos byte) *Controller {
	return &Controller{
		store:     store,
		publisher: publisher,
		qos:       qos,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the controller.
func (c *Controller) SetLogger(logger Logger) {
	c.logger = logger
}

// SendCommand encodes and publishes a command to an entity.
//
// Returns ErrEntityNotFound for unknown entities, ErrNotControllable for
// read-only entities and ErrEmptyCommand for empty command maps.
func (c *Controller) SendCommand(ctx context.Context, entityID string, command map[string]any) error {
	if len(command) == 0 {
		return ErrEmptyCommand
	}

	dev, ent, err := c.store.ResolveAddress(ctx, entityID)
	if err != nil {
		return err
	}

	if !ent.Controllable {
		return fmt.Errorf("%w: %s/%s", ErrNotControllable, ent.Kind, ent.Name)
	}

	payload, err := EncodeCommandPayload(command)
	if err != nil {
		return err
	}

	topic := mqtt.Topics{}.CommandTopic(mqtt.Address{
		HomeID:     dev.HomeID,
		NodeName:   dev.NodeName,
		EntityKind: string(ent.Kind),
		EntityName: ent.Name,
	})

	if err := c.publisher.Publish(topic, payload, c.qos, false); err != nil {
		return fmt.Errorf("publishing command: %w", err)
	}

	c.logger.Debug("command sent", "entity_id", entityID, "topic", topic)
	return nil
}

// EncodeCommandPayload renders a command map for the wire.
//
// Two-tier encoding keeps simple firmware simple:
//   - {"power": bool} alone becomes the bare string "ON" or "OFF"
//   - {"value": v} alone becomes the bare value ("42", "auto")
//   - anything else is sent as a JSON object
func EncodeCommandPayload(command map[string]any) ([]byte, error) {
	if len(command) == 1 {
		if power, ok := command["power"]; ok {
			if b, isBool := power.(bool); isBool {
				if b {
					return []byte("ON"), nil
				}
				return []byte("OFF"), nil
			}
		}
		if value, ok := command[scalarKey]; ok {
			switch v := value.(type) {
			case string:
				return []byte(v), nil
			case bool, int, int64, float32, float64, json.Number:
				return []byte(fmt.Sprint(v)), nil
			}
			// Structured values fall through to JSON.
		}
	}

	payload, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}
	return payload, nil
}
