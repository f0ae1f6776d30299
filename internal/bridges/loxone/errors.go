package loxone

import "errors"

// Domain errors for the Loxone bridge package.
var (
	// ErrStructureInvalid is returned when the structure file cannot be parsed.
	ErrStructureInvalid = errors.New("loxone: invalid structure file")

	// ErrHandshakeFailed is returned when a connect sequence is aborted.
	ErrHandshakeFailed = errors.New("loxone: handshake failed")

	// ErrNoTransport is returned by the gateway when no session is open.
	ErrNoTransport = errors.New("loxone: no active transport")

	// ErrInvalidRequest is returned when a passthrough request lacks an id or command.
	ErrInvalidRequest = errors.New("loxone: request requires id and command")

	// ErrRequestPending is returned when a request id is reused while in flight.
	ErrRequestPending = errors.New("loxone: request id already pending")

	// ErrSessionClosed is returned after the session has been closed.
	ErrSessionClosed = errors.New("loxone: session closed")

	// ErrTransportClosed is returned for sends on a closed transport.
	ErrTransportClosed = errors.New("loxone: transport closed")

	// ErrAuthFailed is returned when the Miniserver rejects the credentials.
	ErrAuthFailed = errors.New("loxone: authentication failed")

	// ErrInvalidConfig is returned when a SessionConfig is incomplete.
	ErrInvalidConfig = errors.New("loxone: invalid session config")
)
