package ringlink

import "errors"

// The hot-path status set. Send and ReceiveOne never propagate
// per-packet failures as wrapped error chains; they return one of these
// for the caller to branch on.
var (
	// ErrBackpressure means the transmit path has no free slot. It is
	// not a failure: stop sending until the transmitter-ready event
	// fires, then retry.
	ErrBackpressure = errors.New("transmit path is full, wait for a completion event")

	// ErrBufferEmpty means the receive path holds no complete frame.
	// It terminates the drain loop and is expected, not exceptional.
	ErrBufferEmpty = errors.New("no pending frame")

	// ErrFrameTooLarge is returned when a payload exceeds the link
	// maximum or the single-descriptor transmit contract.
	ErrFrameTooLarge = errors.New("frame exceeds maximum transmit size")
)

// Configuration errors, fatal at construction or Init time.
var (
	ErrNoBackend = errors.New("engine needs a hardware backend")
	ErrNoPHY     = errors.New("engine needs a phy device")
	ErrNoPath    = errors.New("engine needs either descriptor rings or buffer windows")

	// ErrWindowTooSmall means a buffer window cannot hold one
	// maximum-size frame with its length prefix. Such an engine would
	// report backpressure forever with nothing in flight, so the
	// geometry is rejected up front.
	ErrWindowTooSmall = errors.New("window capacity cannot hold a maximum-size frame")
)
