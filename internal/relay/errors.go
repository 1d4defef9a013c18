package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionSetup marks a failed AI-leg dial: refused, timed out,
	// breaker open, or credentials missing. It is fatal to the session.
	ErrConnectionSetup = errors.New("relay: connection setup failed")

	// ErrMalformedMessage marks an inbound message that could not be parsed.
	// The message is dropped and the session continues.
	ErrMalformedMessage = errors.New("relay: malformed message")

	// ErrCodecPrecondition marks audio the codec refused, such as PCM16 with
	// an odd byte count. The message is dropped and the session continues.
	ErrCodecPrecondition = errors.New("relay: codec precondition violated")

	// ErrFrameDropped marks a message that arrived while its destination leg
	// was not accepting audio.
	ErrFrameDropped = errors.New("relay: frame dropped")

	// ErrTransport marks a send or close that failed on a leg that was
	// already going away. Callers ignore it.
	ErrTransport = errors.New("relay: transport error")
)

// MessageError is a per-message failure returned by [Session.Handle]. It
// never changes the session state.
type MessageError struct {
	Leg Leg
	Err error
}

// Error implements error.
func (e *MessageError) Error() string {
	return fmt.Sprintf("relay: %s message: %v", e.Leg, e.Err)
}

// Unwrap returns the underlying cause.
func (e *MessageError) Unwrap() error { return e.Err }
