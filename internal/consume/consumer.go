// Package consume pulls reminder events off the broker with a bounded
// worker pool and drives each one end-to-end: decode, dispatch, record
// outcome, acknowledge.
package consume

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"notifyflow/internal/broker"
	"notifyflow/internal/dispatch"
	"notifyflow/internal/domain"
	"notifyflow/internal/metrics"
)

// fetchBackoff paces the loop after a broker read error.
const fetchBackoff = 500 * time.Millisecond

type fetcher interface {
	Fetch(ctx context.Context) (broker.Message, broker.CommitFunc, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, ev domain.ReminderEvent) (dispatch.Result, error)
}

type recorder interface {
	Record(ctx context.Context, ev domain.ReminderEvent, results []domain.ChannelResult) error
}

var validate = validator.New()

// Decode parses and validates a raw broker payload. Schema violations
// come back as *domain.MalformedEventError.
func Decode(raw []byte) (domain.ReminderEvent, error) {
	var ev domain.ReminderEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return domain.ReminderEvent{}, &domain.MalformedEventError{Reason: "invalid json", Err: err}
	}
	if err := validate.Struct(&ev); err != nil {
		return domain.ReminderEvent{}, &domain.MalformedEventError{Reason: "schema violation", Err: err}
	}
	return ev, nil
}

type Consumer struct {
	src     fetcher
	disp    dispatcher
	rec     recorder
	met     *metrics.Registry
	workers int
	timeout time.Duration
}

// New builds a consumer running `workers` concurrent loops, each
// processing one event at a time under the given per-event timeout.
func New(src fetcher, disp dispatcher, rec recorder, met *metrics.Registry, workers int, timeout time.Duration) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{src: src, disp: disp, rec: rec, met: met, workers: workers, timeout: timeout}
}

// Run blocks until ctx is canceled. Cancellation stops fetching; each
// worker finishes the event it holds before returning.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (c *Consumer) worker(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, commit, err := c.src.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.Error().Int("worker", id).Err(err).Msg("broker fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchBackoff):
			}
			continue
		}
		c.handle(ctx, id, msg, commit)
	}
}

// handle processes one message. The offset is committed only when every
// channel reached a terminal status (or the message is malformed); a
// store failure or an incomplete fan-out leaves it uncommitted so the
// broker redelivers.
func (c *Consumer) handle(ctx context.Context, id int, msg broker.Message, commit broker.CommitFunc) {
	c.met.EventConsumed()

	ev, err := Decode(msg.Value)
	if err != nil {
		// Never dispatch a malformed message, but ack it so the
		// partition does not wedge. The log line is the dead letter.
		c.met.EventMalformed()
		log.Error().Int("worker", id).Err(err).Str("key", string(msg.Key)).Msg("dropping malformed event")
		if cerr := commit(context.WithoutCancel(ctx)); cerr != nil {
			log.Error().Int("worker", id).Err(cerr).Msg("commit malformed event")
		}
		return
	}

	// Detached from the fetch-loop cancel: shutdown stops pulling new
	// events, but the one we hold runs to its own deadline.
	ectx := context.WithoutCancel(ctx)
	pctx, cancel := context.WithTimeout(ectx, c.timeout)
	res, err := c.disp.Dispatch(pctx, ev)
	cancel()
	if err != nil {
		c.met.EventRequeued()
		log.Error().Int("worker", id).Err(err).Str("event_id", ev.EventID).
			Msg("dispatch aborted, leaving event for redelivery")
		return
	}
	if !res.Complete {
		c.met.EventRequeued()
		log.Warn().Int("worker", id).Str("event_id", ev.EventID).
			Msg("fan-out incomplete, leaving event for redelivery")
		return
	}

	if err := c.rec.Record(ectx, ev, res.Results); err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			// No outbox row was written, so the sweep has nothing to
			// retry. Redelivery is the only path that recovers the
			// outcome; the terminal channel records make it cheap.
			c.met.EventRequeued()
			log.Error().Int("worker", id).Err(err).Str("event_id", ev.EventID).
				Msg("outcome not recorded, leaving event for redelivery")
			return
		}
		// Publish failure only: the outbox row exists and the sweep
		// retries it, so this never blocks acknowledgment.
		log.Warn().Int("worker", id).Err(err).Str("event_id", ev.EventID).Msg("record outcome")
	}

	if err := commit(ectx); err != nil {
		log.Error().Int("worker", id).Err(err).Str("event_id", ev.EventID).Msg("commit offset")
	}
}
