package domain

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable marks a durable-store failure. Fatal for the current
// message: the consumer must not acknowledge it, so the broker redelivers.
var ErrStoreUnavailable = errors.New("delivery store unavailable")

// MalformedEventError is raised when an inbound message cannot be decoded
// into a valid ReminderEvent. The message is acked without dispatch.
type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// SendClass classifies a provider failure for the retry policy.
type SendClass int

const (
	// SendTransient failures (timeouts, throttling, 5xx) are retried
	// within the attempt budget.
	SendTransient SendClass = iota
	// SendPermanent failures (invalid recipient, rejected payload)
	// short-circuit the channel to failed.
	SendPermanent
)

func (c SendClass) String() string {
	if c == SendPermanent {
		return "permanent"
	}
	return "transient"
}

// SendError is the only error kind a channel sender returns. Senders
// translate provider-specific failures into it at their boundary, so the
// orchestrator never sees raw provider errors.
type SendError struct {
	Class SendClass
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%s): %v", e.Class, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable send failure.
func Transient(err error) *SendError { return &SendError{Class: SendTransient, Err: err} }

// Permanent wraps err as a non-retryable send failure.
func Permanent(err error) *SendError { return &SendError{Class: SendPermanent, Err: err} }

// IsPermanent reports whether err carries a permanent send classification.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Class == SendPermanent
}

// PublishError marks a failed outcome publication. Non-fatal: the outbox
// sweep retries it, and it never blocks broker acknowledgment.
type PublishError struct {
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish outcome for %s: %v", e.EventID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
