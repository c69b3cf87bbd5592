package socket

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceUnavailable is returned by Accept once the service is disposed.
	ErrServiceUnavailable = errors.New("socket: service unavailable")

	// ErrConnectionNotFound is returned when an id is not in the registry.
	ErrConnectionNotFound = errors.New("socket: connection not found")

	// ErrConnectionClosed is returned when sending on a transport that is not open.
	ErrConnectionClosed = errors.New("socket: connection closed")

	// ErrMessageTooBig is returned when an incoming message exceeds the read limit.
	ErrMessageTooBig = errors.New("socket: message too big")

	// ErrDuplicatePath is returned when two services claim the same path.
	ErrDuplicatePath = errors.New("socket: duplicate service path")

	errTransportNotOpen = errors.New("socket: transport not open")
)

// HandlerError wraps a failure raised by an application hook.
type HandlerError struct {
	Event string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("socket: %s handler: %v", e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
