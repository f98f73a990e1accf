package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID or address does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device that already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrEntityNotFound is returned when an entity ID or address does not exist.
	ErrEntityNotFound = errors.New("device: entity not found")

	// ErrEntityExists is returned when creating an entity that already exists.
	ErrEntityExists = errors.New("device: entity already exists")

	// ErrNotControllable is returned when a command targets a read-only entity.
	ErrNotControllable = errors.New("device: entity not controllable")

	// ErrEmptyCommand is returned when a command payload has no keys.
	ErrEmptyCommand = errors.New("device: empty command")

	// ErrInvalidPayload is returned when a state payload cannot be interpreted.
	ErrInvalidPayload = errors.New("device: invalid payload")
)
