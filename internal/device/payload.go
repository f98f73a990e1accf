package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// scalarKey is the state key scalar payloads are wrapped under.
const scalarKey = "value"

// ParseStatePayload interprets a raw MQTT state payload as a state map.
//
// Three shapes are accepted:
//   - JSON object: used as the state map directly
//   - JSON scalar or array: wrapped under the "value" key
//   - non-JSON text: stored as a string under the "value" key
//
// An empty payload is rejected with ErrInvalidPayload.
func ParseStatePayload(raw []byte) (State, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty state payload", ErrInvalidPayload)
	}

	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		// Not JSON: treat the whole payload as an opaque scalar string.
		return State{scalarKey: string(trimmed)}, nil
	}

	if m, ok := decoded.(map[string]any); ok {
		return State(m), nil
	}

	return State{scalarKey: decoded}, nil
}

// ParseStatusPayload interprets a raw MQTT status payload as a liveness flag.
//
// The literal "online" (case-insensitive, bare or under a JSON "status"
// key) means online. Any other non-empty payload means offline, so a node
// whose last will publishes "dead" or "lost" still drops offline. Only an
// empty payload is rejected.
func ParseStatusPayload(raw []byte) (bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false, fmt.Errorf("%w: empty status payload", ErrInvalidPayload)
	}

	text := string(trimmed)

	if bytes.HasPrefix(trimmed, []byte("{")) {
		var obj struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(trimmed, &obj); err == nil && obj.Status != "" {
			text = obj.Status
		}
	}

	return strings.EqualFold(strings.Trim(text, `"`), "online"), nil
}

// InferCapabilities derives an entity's capabilities from its kind and
// first state payload. Inference runs once at creation; later payloads
// never change the capability set.
func InferCapabilities(kind Kind, state State) []Capability {
	caps := make([]Capability, 0, 4)

	if _, ok := state["brightness"]; ok {
		caps = append(caps, CapBrightness)
	}

	_, hasR := state["r"]
	_, hasG := state["g"]
	_, hasB := state["b"]
	if hasR && hasG && hasB {
		caps = append(caps, CapRGB)
	}

	if _, ok := state["speed"]; ok {
		caps = append(caps, CapSpeed)
	}

	if kind == KindSensor {
		caps = append(caps, CapReadOnly)
	}

	return caps
}
