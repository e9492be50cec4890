package domain

import (
	"time"

	"github.com/google/uuid"
)

// Channel is a delivery medium.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Channels lists every channel the engine knows how to deliver on.
var Channels = []Channel{ChannelEmail, ChannelPush}

// Status of a delivery for one (event, channel) pair. inflight marks a
// reservation held by a worker; sent, failed and exhausted are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInflight  Status = "inflight"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusExhausted Status = "exhausted"
)

// Terminal reports whether no further action is taken for this status.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusExhausted
}

// Recipient carries the provider-specific addresses for a user.
type Recipient struct {
	Email     string `json:"email,omitempty"`
	PushToken string `json:"push_token,omitempty"`
}

// ReminderEvent is an inbound message signaling that a task reminder is
// due for delivery. Immutable once decoded.
type ReminderEvent struct {
	EventID    string    `json:"event_id" validate:"required"`
	UserID     string    `json:"user_id" validate:"required"`
	TaskID     string    `json:"task_id" validate:"required"`
	Channels   []Channel `json:"channels" validate:"required,min=1,unique,dive,oneof=email push"`
	Recipient  Recipient `json:"recipient"`
	Title      string    `json:"title" validate:"required"`
	Message    string    `json:"message"`
	DueAt      time.Time `json:"due_at" validate:"required"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Address returns the recipient address for a channel, empty if the event
// does not carry one.
func (e ReminderEvent) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return e.Recipient.Email
	case ChannelPush:
		return e.Recipient.PushToken
	}
	return ""
}

// DeliveryAttempt is the persisted state of one (event, channel) pair.
type DeliveryAttempt struct {
	EventID    string
	Channel    Channel
	Status     Status
	Attempts   int
	LastError  string
	LeaseUntil *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ChannelResult is one channel's terminal outcome inside an OutcomeEvent.
type ChannelResult struct {
	Channel  Channel `json:"channel"`
	Status   Status  `json:"status"`
	Attempts int     `json:"attempts"`
	Error    string  `json:"error,omitempty"`
}

// Outcome event types published back to the broker.
const (
	OutcomeSent   = "notification.sent"
	OutcomeFailed = "notification.failed"
)

// OutcomeEvent summarizes dispatch of one ReminderEvent across all of its
// enabled channels. Published exactly once per event.
type OutcomeEvent struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	EventID     string          `json:"event_id"`
	UserID      string          `json:"user_id"`
	TaskID      string          `json:"task_id"`
	Results     []ChannelResult `json:"results"`
	CompletedAt time.Time       `json:"completed_at"`
}

// NewOutcome derives the outcome for an event from its channel results:
// notification.sent only if every enabled channel reached sent.
func NewOutcome(ev ReminderEvent, results []ChannelResult, completedAt time.Time) OutcomeEvent {
	typ := OutcomeSent
	for _, r := range results {
		if r.Status != StatusSent {
			typ = OutcomeFailed
			break
		}
	}
	return OutcomeEvent{
		ID:          "out_" + uuid.NewString(),
		Type:        typ,
		EventID:     ev.EventID,
		UserID:      ev.UserID,
		TaskID:      ev.TaskID,
		Results:     results,
		CompletedAt: completedAt,
	}
}
