// Package outcome persists and publishes the per-event delivery
// summaries. Publication is best-effort at dispatch time and repaired
// by a scheduled outbox sweep; it never blocks acknowledgment of the
// triggering event.
package outcome

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"notifyflow/internal/domain"
	"notifyflow/internal/metrics"
	"notifyflow/internal/store"
)

// sweepBatch bounds how many stale outcomes one sweep republishes.
const sweepBatch = 100

type producer interface {
	Publish(ctx context.Context, key string, v any) error
}

type Publisher struct {
	repo store.Repository
	prod producer
	met  *metrics.Registry
	cron *cron.Cron
}

func NewPublisher(repo store.Repository, prod producer, met *metrics.Registry) *Publisher {
	return &Publisher{repo: repo, prod: prod, met: met}
}

// Record derives the single outcome event for ev, persists it to the
// outbox and attempts to publish it. A publish failure is returned as a
// *domain.PublishError for logging; the sweep retries it.
func (p *Publisher) Record(ctx context.Context, ev domain.ReminderEvent, results []domain.ChannelResult) error {
	oc := domain.NewOutcome(ev, results, time.Now().UTC())

	inserted, err := p.repo.SaveOutcome(ctx, oc)
	if err != nil {
		return err
	}
	if !inserted {
		// Redelivery of an event whose outcome is already recorded;
		// the sweep owns it if it is still unpublished.
		return nil
	}
	return p.publishOne(ctx, oc)
}

func (p *Publisher) publishOne(ctx context.Context, oc domain.OutcomeEvent) error {
	if err := p.prod.Publish(ctx, oc.EventID, oc); err != nil {
		p.met.OutcomePublishFailed()
		if merr := p.repo.MarkPublishFailed(ctx, oc.EventID, err.Error()); merr != nil {
			log.Error().Err(merr).Str("event_id", oc.EventID).Msg("mark publish failed")
		}
		return &domain.PublishError{EventID: oc.EventID, Err: err}
	}
	if err := p.repo.MarkPublished(ctx, oc.EventID, time.Now().UTC()); err != nil {
		return err
	}
	p.met.OutcomePublished()
	log.Info().Str("event_id", oc.EventID).Str("type", oc.Type).Msg("outcome published")
	return nil
}

// Sweep republishes outcomes whose earlier publish attempt failed.
func (p *Publisher) Sweep(ctx context.Context) {
	ocs, err := p.repo.UnpublishedOutcomes(ctx, sweepBatch)
	if err != nil {
		log.Error().Err(err).Msg("load unpublished outcomes")
		return
	}
	for _, oc := range ocs {
		if err := p.publishOne(ctx, oc); err != nil {
			log.Warn().Err(err).Str("event_id", oc.EventID).Msg("outcome republish failed")
		}
	}
}

// StartSweep schedules Sweep on a fixed interval.
func (p *Publisher) StartSweep(interval time.Duration) error {
	p.cron = cron.New()
	_, err := p.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		p.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule outcome sweep: %w", err)
	}
	p.cron.Start()
	return nil
}

// StopSweep stops the schedule and waits for a running sweep to finish.
func (p *Publisher) StopSweep() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}
