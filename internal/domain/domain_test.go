package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSent.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusExhausted.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInflight.Terminal())
}

func TestNewOutcomeAllSent(t *testing.T) {
	ev := ReminderEvent{EventID: "e", UserID: "u", TaskID: "t"}
	oc := NewOutcome(ev, []ChannelResult{
		{Channel: ChannelEmail, Status: StatusSent},
		{Channel: ChannelPush, Status: StatusSent},
	}, time.Now())
	assert.Equal(t, OutcomeSent, oc.Type)
}

func TestNewOutcomeAnyFailure(t *testing.T) {
	ev := ReminderEvent{EventID: "e"}
	for _, st := range []Status{StatusFailed, StatusExhausted} {
		oc := NewOutcome(ev, []ChannelResult{
			{Channel: ChannelEmail, Status: StatusSent},
			{Channel: ChannelPush, Status: st},
		}, time.Now())
		assert.Equal(t, OutcomeFailed, oc.Type, string(st))
	}
}

func TestSendErrorClassification(t *testing.T) {
	base := errors.New("boom")
	assert.True(t, IsPermanent(Permanent(base)))
	assert.False(t, IsPermanent(Transient(base)))
	assert.False(t, IsPermanent(base), "unclassified errors are not permanent")
	assert.ErrorIs(t, Permanent(base), base)
}

func TestAddress(t *testing.T) {
	ev := ReminderEvent{Recipient: Recipient{Email: "a@b.c", PushToken: "tok"}}
	assert.Equal(t, "a@b.c", ev.Address(ChannelEmail))
	assert.Equal(t, "tok", ev.Address(ChannelPush))
	assert.Equal(t, "", ev.Address(Channel("fax")))
}
