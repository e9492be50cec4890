// Package sender holds one adapter per delivery channel. Each adapter
// wraps a provider call and translates its failures into classified
// send errors, so the dispatch layer stays channel-agnostic.
package sender

import (
	"context"

	"notifyflow/internal/domain"
)

// Sender delivers one reminder on one channel. A nil return means the
// provider accepted the message; any failure comes back as a
// *domain.SendError carrying its retry classification.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, ev domain.ReminderEvent) error
}

// Registry maps a channel to its sender.
type Registry map[domain.Channel]Sender

func NewRegistry(senders ...Sender) Registry {
	r := make(Registry, len(senders))
	for _, s := range senders {
		r[s.Channel()] = s
	}
	return r
}
