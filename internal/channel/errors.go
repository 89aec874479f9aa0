package channel

// ============================================================================
// Reservation Channel Error Definitions
// Purpose: Define all channel-related error types
// ============================================================================

import "errors"

// Predefined errors
var (
	// ErrCapacity indicates the carrier slot table is full and the connection
	// was not admitted. Not fatal: the client may retry later.
	ErrCapacity = errors.New("channel: carrier capacity exhausted")

	// ErrConnect wraps any transport failure while connecting to the daemon
	ErrConnect = errors.New("channel: connect failed")

	// ErrNotConnected indicates an access endpoint used before Connect
	ErrNotConnected = errors.New("channel: not connected")

	// ErrPending indicates Send was called while a request is outstanding
	ErrPending = errors.New("channel: request already outstanding")

	// ErrNoRequest indicates Recv was called without an outstanding request
	ErrNoRequest = errors.New("channel: no outstanding request")

	// ErrBroken indicates a previous exchange failed half-way; the endpoint
	// must be closed
	ErrBroken = errors.New("channel: endpoint broken")

	// ErrNoClient indicates a carrier operation on an empty or invalid slot
	ErrNoClient = errors.New("channel: no client in slot")

	// ErrFrameTooLarge indicates a length prefix above MaxFrameSize
	ErrFrameTooLarge = errors.New("channel: frame too large")

	// ErrBadFrame indicates a message that cannot be decoded
	ErrBadFrame = errors.New("channel: malformed frame")
)
