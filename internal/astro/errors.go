package astro

import "errors"

var (
	// ErrInvalidCoordinates is returned for latitudes or longitudes
	// outside their valid ranges.
	ErrInvalidCoordinates = errors.New("astro: invalid coordinates")

	// ErrUnknownEvent is returned for an event name the calculator does
	// not know.
	ErrUnknownEvent = errors.New("astro: unknown event")

	// ErrNoOccurrence is returned when the event does not occur, such as
	// sunrise during a polar night.
	ErrNoOccurrence = errors.New("astro: event does not occur")
)
