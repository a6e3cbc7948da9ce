package live

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredential is wrapped by a [ConnectError] when no API key could be
	// resolved.
	ErrNoCredential = errors.New("live: no credential available")

	// ErrNotOpen is returned by send operations while the connection is not
	// open. The payload is dropped.
	ErrNotOpen = errors.New("live: connection not open")

	// ErrUnroutableMessage marks an inbound message that could not be parsed
	// or carried no known tag. It is logged and dropped.
	ErrUnroutableMessage = errors.New("live: unroutable message")

	// ErrDisconnected is wrapped by a [ConnectError] when Disconnect cancels
	// an in-flight Connect.
	ErrDisconnected = errors.New("live: disconnected during connect")

	// ErrClosing is wrapped by a [ConnectError] when Connect is called while a
	// previous connection is still shutting down.
	ErrClosing = errors.New("live: connection is closing")
)

// ConnectError reports why a session could not be opened. It is fatal to the
// session and surfaced to the caller of Connect.
type ConnectError struct {
	// Op is the failing step: "credential", "dial", or "setup".
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("live: connect: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error { return e.Err }
