package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge is returned by SubmitEvent when the serialized
	// payload exceeds the configured limit. Nothing is queued.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrQueueFull is returned by SubmitEvent when the outbound queue stays
	// full for the whole enqueue timeout.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrClosed is returned by SubmitEvent after Close.
	ErrClosed = errors.New("client closed")

	// ErrInvalidPayload is returned when a raw payload is not valid JSON.
	ErrInvalidPayload = errors.New("payload is not valid JSON")

	// ErrEmptyEventName is returned when SubmitEvent is called without a name.
	ErrEmptyEventName = errors.New("event name is empty")
)

// HandshakeError reports a failed connection attempt: dial, upgrade request
// or upgrade response. It is always handled by the sender loop and triggers
// backoff; it is never surfaced to callers of SubmitEvent.
type HandshakeError struct {
	Stage  string
	Status string
	Err    error
}

func (e *HandshakeError) Error() string {
	msg := "handshake failed at " + e.Stage
	if e.Status != "" {
		msg += fmt.Sprintf(" (status %q)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// SendError reports a socket write failure for a queued event. The event is
// put back at the front of the queue and the session is torn down.
type SendError struct {
	Event string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %q: %v", e.Event, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
