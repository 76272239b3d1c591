package okx

import (
	"errors"
	"fmt"
)

// FrameError reports a frame that could not be decoded. It is logged and the
// frame discarded; it never ends a connection.
type FrameError struct {
	Reason  string
	Payload []byte
	Err     error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("okx frame: %s: %v", e.Reason, e.Err)
	}
	return "okx frame: " + e.Reason
}

func (e *FrameError) Unwrap() error { return e.Err }

func frameError(reason string, payload []byte, err error) *FrameError {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return &FrameError{Reason: reason, Payload: cp, Err: err}
}

// AuthError is a rejected login. It fails the current connection attempt only.
type AuthError struct {
	Code string
	Msg  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("okx login rejected: code=%s msg=%s", e.Code, e.Msg)
}

// TransportError wraps dial, read and write failures as well as heartbeat
// staleness.
type TransportError struct {
	Op    string
	Stale bool
	Err   error
}

func (e *TransportError) Error() string {
	if e.Stale {
		return fmt.Sprintf("okx transport %s: no inbound frame within timeout", e.Op)
	}
	return fmt.Sprintf("okx transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SequenceGapError reports a discontinuity in an instrument's order book
// sequence.
type SequenceGapError struct {
	InstrumentID string
	Channel      string
	Expected     int64
	Got          int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("okx %s sequence gap for %s: expected prev %d, got %d", e.Channel, e.InstrumentID, e.Expected, e.Got)
}

// SubscribeError is an error event answering a subscribe request.
type SubscribeError struct {
	Code string
	Msg  string
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("okx subscribe rejected: code=%s msg=%s", e.Code, e.Msg)
}

// IsAuthError reports whether err is or wraps an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
