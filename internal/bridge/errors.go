package bridge

import "errors"

var (
	// ErrNotConnected is returned when an outbound frame is attempted
	// while no relay connection is established.
	ErrNotConnected = errors.New("bridge: not connected")

	// ErrProtocol is returned for inbound frames the client cannot
	// interpret. The connection stays open; one bad frame from the
	// relay must not cost a reconnect cycle.
	ErrProtocol = errors.New("bridge: protocol error")
)
