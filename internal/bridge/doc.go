// Package bridge maintains the outbound WebSocket connection to the
// cloud relay, giving remote apps access to the home while it sits
// behind NAT.
//
// The client dials the relay with its gateway credentials and then
// serves traffic in both directions: inbound frames carry inventory
// requests, entity commands and scene activations; outbound frames
// carry acknowledgements and fire-and-forget state updates. A dropped
// connection is retried with exponential backoff between a floor and a
// ceiling, and the backoff resets to the floor after every successful
// connect. Heartbeat pings keep intermediaries from reaping the idle
// connection.
//
// The bridge never owns domain logic. It translates the relay's command
// vocabulary into the same store calls the local API uses, so a command
// from the cloud and a command from the LAN take identical paths.
package bridge
