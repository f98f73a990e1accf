// Package realtime provides the WebSocket broadcast hub.
//
// Clients connect per home (GET /ws/home/{home_id}) and receive the
// home's live events: entity state changes, device liveness flips and
// scene activations. Delivery is at-most-once: a slow client's buffer
// fills and events for it are dropped rather than stalling the rest of
// the hub. Reconnecting clients resynchronise from the REST snapshot.
//
// A client may narrow its feed by sending a subscribe message listing
// event types; without one it receives every event of its home.
package realtime
