// Package dispatch fans one reminder event out to its enabled channels,
// applying the per-channel retry policy and committing terminal state
// through the delivery store.
package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"notifyflow/internal/domain"
	"notifyflow/internal/metrics"
	"notifyflow/internal/sender"
	"notifyflow/internal/store"
)

// Policy holds the retry tunables for one channel dispatch.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Result aggregates the per-channel outcomes of one event. Complete is
// false when some channel was skipped because another worker held its
// reservation; the caller should leave the message unacknowledged and
// let redelivery pick the remainder up.
type Result struct {
	Results  []domain.ChannelResult
	Complete bool
}

type Orchestrator struct {
	repo    store.Repository
	senders sender.Registry
	met     *metrics.Registry
	policy  Policy

	// sleep is a seam so tests run without real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(repo store.Repository, senders sender.Registry, met *metrics.Registry, policy Policy) *Orchestrator {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Orchestrator{
		repo:    repo,
		senders: senders,
		met:     met,
		policy:  policy,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatch drives every enabled channel of ev to a terminal status.
// Channels run concurrently; each holds its own (event, channel) key so
// the store commits cannot race destructively. A store failure aborts
// with an error wrapping domain.ErrStoreUnavailable.
func (o *Orchestrator) Dispatch(ctx context.Context, ev domain.ReminderEvent) (Result, error) {
	type slot struct {
		res      domain.ChannelResult
		terminal bool
		err      error
	}
	slots := make([]slot, len(ev.Channels))

	var wg sync.WaitGroup
	for i, ch := range ev.Channels {
		wg.Add(1)
		go func(i int, ch domain.Channel) {
			defer wg.Done()
			res, terminal, err := o.dispatchChannel(ctx, ev, ch)
			slots[i] = slot{res: res, terminal: terminal, err: err}
		}(i, ch)
	}
	wg.Wait()

	out := Result{Complete: true}
	for _, s := range slots {
		if s.err != nil {
			return Result{}, s.err
		}
		if !s.terminal {
			out.Complete = false
			continue
		}
		out.Results = append(out.Results, s.res)
	}
	return out, nil
}

// dispatchChannel resolves one channel. terminal=false means the key is
// inflight on another worker and was skipped.
func (o *Orchestrator) dispatchChannel(ctx context.Context, ev domain.ReminderEvent, ch domain.Channel) (domain.ChannelResult, bool, error) {
	rsv, err := o.repo.CheckOrReserve(ctx, ev.EventID, ch, time.Now())
	if err != nil {
		return domain.ChannelResult{}, false, err
	}

	switch rsv.Outcome {
	case store.AlreadyTerminal:
		o.met.Skipped(ch)
		log.Debug().Str("event_id", ev.EventID).Str("channel", string(ch)).
			Str("status", string(rsv.PriorStatus)).Msg("channel already terminal, skipping")
		return domain.ChannelResult{
			Channel:  ch,
			Status:   rsv.PriorStatus,
			Attempts: rsv.PriorAttempts,
			Error:    rsv.PriorError,
		}, true, nil
	case store.InflightElsewhere:
		log.Debug().Str("event_id", ev.EventID).Str("channel", string(ch)).
			Msg("channel inflight on another worker, skipping")
		return domain.ChannelResult{}, false, nil
	}

	status, attempts, lastErr, err := o.attempt(ctx, ev, ch)
	if err != nil {
		// Canceled mid-retry: leave the reservation uncommitted, lease
		// expiry lets a redelivery finish the job.
		return domain.ChannelResult{}, false, err
	}

	total := rsv.PriorAttempts + attempts
	if err := o.repo.Commit(ctx, ev.EventID, ch, status, total, lastErr); err != nil {
		return domain.ChannelResult{}, false, err
	}

	switch status {
	case domain.StatusSent:
		o.met.Sent(ch)
	case domain.StatusFailed:
		o.met.Failed(ch)
	case domain.StatusExhausted:
		o.met.Exhausted(ch)
	}
	log.Info().Str("event_id", ev.EventID).Str("channel", string(ch)).
		Str("status", string(status)).Int("attempts", total).Msg("channel resolved")

	return domain.ChannelResult{Channel: ch, Status: status, Attempts: total, Error: lastErr}, true, nil
}

// attempt runs the retry loop for a reserved channel: up to MaxAttempts
// tries, doubling backoff with jitter between them, permanent failures
// short-circuiting.
func (o *Orchestrator) attempt(ctx context.Context, ev domain.ReminderEvent, ch domain.Channel) (domain.Status, int, string, error) {
	snd, ok := o.senders[ch]
	if !ok {
		return domain.StatusFailed, 0, "no sender for channel " + string(ch), nil
	}

	var lastErr string
	for n := 1; n <= o.policy.MaxAttempts; n++ {
		o.met.Attempt(ch)
		err := snd.Send(ctx, ev)
		if err == nil {
			return domain.StatusSent, n, "", nil
		}
		lastErr = err.Error()
		if domain.IsPermanent(err) {
			return domain.StatusFailed, n, lastErr, nil
		}
		log.Warn().Str("event_id", ev.EventID).Str("channel", string(ch)).
			Int("attempt", n).Err(err).Msg("send attempt failed")
		if n < o.policy.MaxAttempts {
			if serr := o.sleep(ctx, o.backoff(n)); serr != nil {
				return "", 0, "", serr
			}
		}
	}
	return domain.StatusExhausted, o.policy.MaxAttempts, lastErr, nil
}

// backoff doubles the base per attempt, caps it, and applies half
// jitter to spread retries across workers hitting a rate-limited
// provider.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.policy.BackoffBase << (attempt - 1)
	if o.policy.BackoffCap > 0 && d > o.policy.BackoffCap {
		d = o.policy.BackoffCap
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
