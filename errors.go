package silk

import (
	"errors"
	"fmt"
)

// ErrorCode is the application-level code carried by Close and StreamReset
// frames.
type ErrorCode uint16

const (
	// NoError is the code for a graceful close.
	NoError ErrorCode = 0x0
	// InternalError signals an unspecified local failure.
	InternalError ErrorCode = 0x1
	// FlowControlError signals a flow control window violation.
	FlowControlError ErrorCode = 0x2
	// StreamLimitError signals that the peer opened too many streams.
	StreamLimitError ErrorCode = 0x3
	// ProtocolViolation signals a frame that is invalid in the current state.
	ProtocolViolation ErrorCode = 0x4
)

// A TransportError terminates the connection because of a protocol failure.
type TransportError struct {
	Remote    bool
	ErrorCode ErrorCode
	Reason    string
}

func (e *TransportError) Error() string {
	pre := "transport error"
	if e.Remote {
		pre = "transport error (remote)"
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s: code %#x", pre, uint16(e.ErrorCode))
	}
	return fmt.Sprintf("%s: code %#x: %s", pre, uint16(e.ErrorCode), e.Reason)
}

// Is makes two transport errors with the same code match for errors.Is.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	return ok && e.ErrorCode == t.ErrorCode
}

// An ApplicationError is a close requested by the application on either side.
type ApplicationError struct {
	Remote    bool
	ErrorCode ErrorCode
	Reason    string
}

func (e *ApplicationError) Error() string {
	pre := "connection closed"
	if e.Remote {
		pre = "connection closed by peer"
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s: code %#x", pre, uint16(e.ErrorCode))
	}
	return fmt.Sprintf("%s: code %#x: %s", pre, uint16(e.ErrorCode), e.Reason)
}

// An IdleTimeoutError terminates a connection that saw no traffic for the
// idle interval.
type IdleTimeoutError struct{}

func (e *IdleTimeoutError) Error() string   { return "no recent network activity" }
func (e *IdleTimeoutError) Timeout() bool   { return true }
func (e *IdleTimeoutError) Temporary() bool { return false }

// A HandshakeError is returned when establishing a connection fails. The
// cause is deliberately opaque.
type HandshakeError struct {
	err error
}

func (e *HandshakeError) Error() string { return "handshake failed" }
func (e *HandshakeError) Unwrap() error { return e.err }

// A StreamError aborts a single stream.
type StreamError struct {
	StreamID  StreamID
	ErrorCode ErrorCode
	Remote    bool
}

func (e *StreamError) Error() string {
	pre := "stream reset"
	if e.Remote {
		pre = "stream reset by peer"
	}
	return fmt.Sprintf("%s: stream %d, code %#x", pre, e.StreamID, uint16(e.ErrorCode))
}

// ErrStreamBlocked is the backpressure signal: the send window is exhausted
// and the write would have to wait. Only returned by non-blocking paths.
var ErrStreamBlocked = errors.New("stream blocked by flow control")

// ErrTooManyOpenStreams is returned by OpenStream when the peer's stream
// limit is reached.
var ErrTooManyOpenStreams = errors.New("too many open streams")

// ErrServerGone is returned by OpenStream after the peer sent a GoAway.
var ErrServerGone = errors.New("peer is shutting down, refusing new streams")

var errDeadline error = &deadlineError{}

type deadlineError struct{}

func (e *deadlineError) Error() string   { return "deadline exceeded" }
func (e *deadlineError) Timeout() bool   { return true }
func (e *deadlineError) Temporary() bool { return true }
