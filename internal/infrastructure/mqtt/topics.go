package mqtt

import (
	"fmt"
	"strings"
)

// Topic scheme for device traffic:
//
//	home/{home_id}/{node_name}/{entity_kind}/{entity_name}/state    (6 segments)
//	home/{home_id}/{node_name}/{entity_kind}/{entity_name}/command  (6 segments)
//	home/{home_id}/{node_name}/status                               (4 segments)
//
// Hub-internal topics live under the "hearth" prefix.
const (
	// TopicPrefixHome is the root segment for all device topics.
	TopicPrefixHome = "home"

	// TopicPrefixSystem is the base for hub system topics.
	TopicPrefixSystem = "hearth/system"

	suffixState   = "state"
	suffixCommand = "command"
	suffixStatus  = "status"

	stateTopicSegments  = 6
	statusTopicSegments = 4
)

// Address identifies an entity on the wire. It is the decoded form of a
// state or command topic.
type Address struct {
	HomeID     string
	NodeName   string
	EntityKind string
	EntityName string
}

// StatusAddress identifies a device on the wire. It is the decoded form
// of a status topic.
type StatusAddress struct {
	HomeID   string
	NodeName string
}

// Topics provides builders for Hearth MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmd := topics.CommandTopic(addr)
//	// Returns: "home/h1/node1/light/ceiling/command"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// StateTopic returns the state topic for an entity address.
//
// Example: home/h1/node1/light/ceiling/state
func (Topics) StateTopic(addr Address) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s",
		TopicPrefixHome, addr.HomeID, addr.NodeName, addr.EntityKind, addr.EntityName, suffixState)
}

// CommandTopic returns the command topic for an entity address.
//
// Example: home/h1/node1/light/ceiling/command
func (Topics) CommandTopic(addr Address) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s",
		TopicPrefixHome, addr.HomeID, addr.NodeName, addr.EntityKind, addr.EntityName, suffixCommand)
}

// StatusTopic returns the status topic for a device address.
//
// Example: home/h1/node1/status
func (Topics) StatusTopic(addr StatusAddress) string {
	return fmt.Sprintf("%s/%s/%s/%s",
		TopicPrefixHome, addr.HomeID, addr.NodeName, suffixStatus)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the hub status topic.
//
// Example: hearth/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllStates returns a pattern matching every entity state topic.
//
// Pattern: home/+/+/+/+/state
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/+/+/+/+/%s", TopicPrefixHome, suffixState)
}

// AllStatuses returns a pattern matching every device status topic.
//
// Pattern: home/+/+/status
func (Topics) AllStatuses() string {
	return fmt.Sprintf("%s/+/+/%s", TopicPrefixHome, suffixStatus)
}

// =============================================================================
// Parsing
// =============================================================================

// ParseStateTopic decodes a 6-segment state or command topic into an Address.
//
// The topic must have exactly six non-empty segments, start with "home",
// and end with "state" or "command". Anything else fails with
// ErrMalformedTopic; callers drop the message.
func ParseStateTopic(topic string) (Address, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != stateTopicSegments {
		return Address{}, fmt.Errorf("%w: %q has %d segments, want %d",
			ErrMalformedTopic, topic, len(parts), stateTopicSegments)
	}
	if parts[0] != TopicPrefixHome {
		return Address{}, fmt.Errorf("%w: %q does not start with %q",
			ErrMalformedTopic, topic, TopicPrefixHome)
	}
	if parts[5] != suffixState && parts[5] != suffixCommand {
		return Address{}, fmt.Errorf("%w: %q does not end with %q or %q",
			ErrMalformedTopic, topic, suffixState, suffixCommand)
	}
	for _, p := range parts {
		if p == "" {
			return Address{}, fmt.Errorf("%w: %q contains an empty segment", ErrMalformedTopic, topic)
		}
	}

	return Address{
		HomeID:     parts[1],
		NodeName:   parts[2],
		EntityKind: parts[3],
		EntityName: parts[4],
	}, nil
}

// ParseStatusTopic decodes a 4-segment device status topic.
//
// The topic must have exactly four non-empty segments, start with "home",
// and end with "status".
func ParseStatusTopic(topic string) (StatusAddress, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != statusTopicSegments {
		return StatusAddress{}, fmt.Errorf("%w: %q has %d segments, want %d",
			ErrMalformedTopic, topic, len(parts), statusTopicSegments)
	}
	if parts[0] != TopicPrefixHome {
		return StatusAddress{}, fmt.Errorf("%w: %q does not start with %q",
			ErrMalformedTopic, topic, TopicPrefixHome)
	}
	if parts[3] != suffixStatus {
		return StatusAddress{}, fmt.Errorf("%w: %q does not end with %q",
			ErrMalformedTopic, topic, suffixStatus)
	}
	for _, p := range parts {
		if p == "" {
			return StatusAddress{}, fmt.Errorf("%w: %q contains an empty segment", ErrMalformedTopic, topic)
		}
	}

	return StatusAddress{
		HomeID:   parts[1],
		NodeName: parts[2],
	}, nil
}
