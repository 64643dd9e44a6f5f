package main

import (
	"errors"
	"strconv"
)

// Failure taxonomy for player connectivity. All of these are local to one
// instance and are retried or discarded by the caller, never fatal.
var (
	// ErrSocketUnavailable means the socket path does not exist.
	ErrSocketUnavailable = errors.New("socket unavailable")

	// ErrConnectionRefused means the path exists but nobody is listening.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrIOFailure covers send/receive errors and peer close.
	ErrIOFailure = errors.New("i/o failure")

	// ErrDecodeFailure is a malformed JSON line. The line is dropped and the
	// connection continues.
	ErrDecodeFailure = errors.New("decode failure")

	// ErrCommandRejected means mpv answered a command with an error status.
	ErrCommandRejected = errors.New("command rejected")

	// ErrUnknownProperty is a property-change for a field we do not track.
	ErrUnknownProperty = errors.New("unknown property")
)

// errUnknownInstance is returned when a request names an instance id that
// is not configured.
type errUnknownInstance struct {
	id int
}

func (e errUnknownInstance) Error() string {
	return "unknown instance: " + strconv.Itoa(e.id)
}
