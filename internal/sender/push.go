package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"notifyflow/internal/config"
	"notifyflow/internal/domain"
)

// PushSender delivers reminders to a push provider over HTTP.
type PushSender struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

func NewPushSender(cfg config.PushConfig) *PushSender {
	return &PushSender{
		client:   &http.Client{Timeout: cfg.Timeout},
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
	}
}

func (s *PushSender) Channel() domain.Channel { return domain.ChannelPush }

type pushRequest struct {
	Token  string `json:"token"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	TaskID string `json:"task_id"`
	DueAt  string `json:"due_at"`
}

func (s *PushSender) Send(ctx context.Context, ev domain.ReminderEvent) error {
	token := ev.Recipient.PushToken
	if token == "" {
		return domain.Permanent(errors.New("event has no push token"))
	}

	body, err := json.Marshal(pushRequest{
		Token:  token,
		Title:  ev.Title,
		Body:   ev.Message,
		TaskID: ev.TaskID,
		DueAt:  ev.DueAt.Format(time.RFC3339),
	})
	if err != nil {
		return domain.Permanent(fmt.Errorf("encode push payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Permanent(fmt.Errorf("build push request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are worth retrying.
		return domain.Transient(fmt.Errorf("push request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	perr := fmt.Errorf("push provider returned %d: %s", resp.StatusCode, string(snippet))
	return classifyPushStatus(resp.StatusCode, perr)
}

// classifyPushStatus: 429 and 5xx are provider-side and retryable;
// other 4xx (bad request, bad auth, unknown or revoked token) will not
// heal on retry.
func classifyPushStatus(code int, err error) error {
	if code == http.StatusTooManyRequests || code >= 500 {
		return domain.Transient(err)
	}
	return domain.Permanent(err)
}
