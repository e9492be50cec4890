package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyflow/internal/config"
	"notifyflow/internal/domain"
)

func pushEvent() domain.ReminderEvent {
	return domain.ReminderEvent{
		EventID:   "evt-1",
		UserID:    "usr-1",
		TaskID:    "tsk-1",
		Channels:  []domain.Channel{domain.ChannelPush},
		Recipient: domain.Recipient{PushToken: "tok-abc"},
		Title:     "water the plants",
		DueAt:     time.Now().Add(time.Hour),
	}
}

func newPushServer(t *testing.T, status int) (*httptest.Server, *pushRequest) {
	t.Helper()
	var got pushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestPushSendSuccess(t *testing.T) {
	srv, got := newPushServer(t, http.StatusOK)
	s := NewPushSender(config.PushConfig{Endpoint: srv.URL, APIKey: "k", Timeout: time.Second})

	err := s.Send(context.Background(), pushEvent())
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", got.Token)
	assert.Equal(t, "water the plants", got.Title)
}

func TestPushStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true}, // unknown or revoked token
		{http.StatusGone, true},
	}
	for _, tc := range cases {
		srv, _ := newPushServer(t, tc.status)
		s := NewPushSender(config.PushConfig{Endpoint: srv.URL, Timeout: time.Second})

		err := s.Send(context.Background(), pushEvent())
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.permanent, domain.IsPermanent(err), "status %d", tc.status)
	}
}

func TestPushMissingTokenPermanent(t *testing.T) {
	s := NewPushSender(config.PushConfig{Endpoint: "http://localhost:1", Timeout: time.Second})
	ev := pushEvent()
	ev.Recipient.PushToken = ""

	err := s.Send(context.Background(), ev)
	assert.True(t, domain.IsPermanent(err))
}

func TestPushConnectionRefusedTransient(t *testing.T) {
	// Nothing listens here; the dial fails.
	s := NewPushSender(config.PushConfig{Endpoint: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})

	err := s.Send(context.Background(), pushEvent())
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
}
