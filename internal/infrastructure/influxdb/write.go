package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteEntityState records one attribute of an entity state change.
//
// This is the primary method for recording state history. The write is
// non-blocking; data is batched and sent asynchronously. A failed write
// never affects the ingest path (errors surface via SetOnError).
//
// Numeric values land in the "value" field; everything else is stored
// as a string in "value_str" so dashboards can still inspect it.
//
// Parameters:
//   - homeID: Home the entity belongs to
//   - entityID: Entity identifier
//   - kind: Entity kind (light, sensor, ...)
//   - attribute: The attribute that changed (e.g., "value", "brightness")
//   - value: The new attribute value
//
// Example:
//
//	client.WriteEntityState("h1", "ent-123", "sensor", "temperature", 21.5)
func (c *Client) WriteEntityState(homeID, entityID, kind, attribute string, value interface{}) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"home_id":   homeID,
		"entity_id": entityID,
		"kind":      kind,
		"attribute": attribute,
	}

	fields := map[string]interface{}{}
	switch v := value.(type) {
	case float64:
		fields["value"] = v
	case float32:
		fields["value"] = float64(v)
	case int:
		fields["value"] = float64(v)
	case int64:
		fields["value"] = float64(v)
	case bool:
		if v {
			fields["value"] = 1.0
		} else {
			fields["value"] = 0.0
		}
	case string:
		fields["value_str"] = v
	default:
		return // unsupported shape, history is best-effort
	}

	point := write.NewPoint("entity_state", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteDeviceStatus records a device online/offline transition.
//
// Parameters:
//   - homeID: Home the device belongs to
//   - deviceID: Device identifier
//   - online: New liveness state
func (c *Client) WriteDeviceStatus(homeID, deviceID string, online bool) {
	if !c.IsConnected() {
		return
	}

	value := 0.0
	if online {
		value = 1.0
	}

	point := write.NewPoint(
		"device_status",
		map[string]string{
			"home_id":   homeID,
			"device_id": deviceID,
		},
		map[string]interface{}{
			"online": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("hub_stats",
//	    map[string]string{"host": "hub-01"},
//	    map[string]interface{}{"ingest_per_sec": 45.2})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
