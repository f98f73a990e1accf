package device

import (
	"time"

	"github.com/google/uuid"
)

// Device represents a physical node: one MQTT client publishing state for
// one or more entities. Devices are identified within a home by node name
// and are auto-created on first sight of a state message.
type Device struct {
	ID       string `json:"id"`
	HomeID   string `json:"home_id"`
	NodeName string `json:"node_name"`
	Name     string `json:"name"`

	// Liveness
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d

	if d.LastSeen != nil {
		ls := *d.LastSeen
		cpy.LastSeen = &ls
	}

	return &cpy
}

// Entity represents one addressable function of a device: a light, a relay
// channel, a sensor reading. Entities are identified within a device by
// (kind, name) and auto-created on first sight.
type Entity struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Kind     Kind   `json:"kind"`
	Name     string `json:"name"`

	// Capabilities are inferred once at creation from the first payload
	// and never change afterwards.
	Capabilities []Capability `json:"capabilities"`

	// Controllable is true when the entity kind accepts commands.
	Controllable bool `json:"controllable"`

	// Current state. Replaced wholesale on every ingest; scalar payloads
	// are wrapped under the "value" key.
	State        State      `json:"state"`
	StateUpdated *time.Time `json:"state_updated,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Entity.
// The state map is cloned so modifications to the copy do not affect
// the original. This is essential for cache isolation.
func (e *Entity) DeepCopy() *Entity {
	if e == nil {
		return nil
	}

	cpy := *e

	cpy.State = deepCopyMap(e.State)

	if e.Capabilities != nil {
		cpy.Capabilities = make([]Capability, len(e.Capabilities))
		copy(cpy.Capabilities, e.Capabilities)
	}

	if e.StateUpdated != nil {
		su := *e.StateUpdated
		cpy.StateUpdated = &su
	}

	return &cpy
}

// State holds the current entity state as a JSON map.
//
// Examples:
//   - Light: {"power": true, "brightness": 75}
//   - Sensor: {"temperature": 21.5, "humidity": 48}
//   - Switch with scalar payload "ON": {"value": "ON"}
type State map[string]any

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}

// Kind classifies an entity by its function on the wire.
type Kind string

// Kind constants.
const (
	KindLight   Kind = "light"
	KindSwitch  Kind = "switch"
	KindFan     Kind = "fan"
	KindRelay   Kind = "relay"
	KindValve   Kind = "valve"
	KindSensor  Kind = "sensor"
	KindClimate Kind = "climate"
	KindLock    Kind = "lock"
)

// controllableKinds is the set of kinds that accept commands.
// Everything else (sensors, unknown kinds) is read-only.
var controllableKinds = map[Kind]bool{
	KindLight:  true,
	KindSwitch: true,
	KindFan:    true,
	KindRelay:  true,
	KindValve:  true,
}

// IsControllable reports whether entities of this kind accept commands.
func (k Kind) IsControllable() bool {
	return controllableKinds[k]
}

// Capability represents what an entity can do, inferred from its first payload.
type Capability string

// Capability constants.
const (
	CapBrightness Capability = "brightness"
	CapRGB        Capability = "rgb"
	CapSpeed      Capability = "speed"
	CapReadOnly   Capability = "read_only"
)

// Attribute is one key of an entity's state map fanned out to its own row,
// giving cheap per-key lookups without JSON extraction.
type Attribute struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateChange describes one accepted state ingest. It is delivered to
// change subscribers in per-entity ingest order.
type StateChange struct {
	HomeID     string
	NodeName   string
	DeviceID   string
	EntityID   string
	EntityKind Kind
	EntityName string

	// ChangedKeys lists state keys whose value differs from the previous
	// snapshot (including keys that are new).
	ChangedKeys []string

	// NewState is the full state after the ingest.
	NewState State

	// Previous is the state snapshot before the ingest (nil for a new entity).
	Previous State

	// Online is the device liveness flag after the ingest (always true
	// for state ingests).
	Online bool

	IsNewDevice bool
	IsNewEntity bool
}

// StatusChange describes one accepted device status ingest.
type StatusChange struct {
	HomeID   string
	NodeName string
	DeviceID string
	Online   bool
}

// GenerateID creates a new unique identifier for devices, entities and
// attribute rows.
func GenerateID() string {
	return uuid.New().String()
}
