// Package allocation binds idle workers to pending work items and dispatches
// the work to them.
package allocation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/robotq/internal/domain"
	"github.com/yourorg/robotq/internal/inflight"
	"github.com/yourorg/robotq/internal/loop"
	"github.com/yourorg/robotq/internal/metrics"
	"github.com/yourorg/robotq/internal/store"
	"github.com/yourorg/robotq/internal/tasks"
	"github.com/yourorg/robotq/internal/tracing"
)

type Options struct {
	Interval         time.Duration
	MaxRetryAttempts int
	MaxClaimsPerTick int
}

type Scheduler struct {
	store      store.Store
	dispatcher Dispatcher
	tasks      *tasks.Tracker
	ledger     inflight.Ledger
	metrics    *metrics.Metrics
	logger     *slog.Logger
	opts       Options
	now        func() time.Time
}

func NewScheduler(
	st store.Store,
	d Dispatcher,
	tr *tasks.Tracker,
	ledger inflight.Ledger,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts Options,
) *Scheduler {
	if ledger == nil {
		ledger = inflight.Nop{}
	}
	if opts.MaxClaimsPerTick <= 0 {
		opts.MaxClaimsPerTick = 1
	}
	return &Scheduler{
		store:      st,
		dispatcher: d,
		tasks:      tr,
		ledger:     ledger,
		metrics:    m,
		logger:     logger.With("component", "scheduler"),
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler starting",
		"interval", s.opts.Interval,
		"max_retry_attempts", s.opts.MaxRetryAttempts,
		"max_claims_per_tick", s.opts.MaxClaimsPerTick)
	loop.Run(ctx, loop.Options{Name: "allocation", Interval: s.opts.Interval, Logger: s.logger},
		func(ctx context.Context) error {
			_, err := s.Tick(ctx)
			return err
		})
}

// Tick claims up to MaxClaimsPerTick pairs and hands each to the dispatcher
// in the background. It returns the number of claims made.
func (s *Scheduler) Tick(ctx context.Context) (n int, err error) {
	ctx, span := tracing.StartSpan(ctx, "allocation.tick", tracing.KindInternal)
	defer func() {
		span.WithInt("claims", int64(n))
		tracing.EndSpan(span, err)
	}()

	for n < s.opts.MaxClaimsPerTick {
		claim, err := s.store.ClaimNext(ctx, s.opts.MaxRetryAttempts, s.now())
		if err != nil {
			return n, fmt.Errorf("claim: %w", err)
		}
		if claim == nil {
			if n == 0 {
				s.logger.Debug("nothing to allocate")
			}
			return n, nil
		}
		n++
		s.dispatch(ctx, claim)
	}
	return n, nil
}

func (s *Scheduler) dispatch(ctx context.Context, c *domain.Claim) {
	item, w := c.WorkItem, c.Worker
	log := s.logger.With(
		"work_item_id", item.ID,
		"track_id", item.TrackID,
		"worker_id", w.ID,
		"attempt", item.RetryCount)
	log.Info("work item allocated")

	if s.metrics != nil {
		s.metrics.Claims.Add(ctx, 1)
	}
	if err := s.ledger.Claim(ctx, item.ID); err != nil {
		log.Warn("inflight claim failed", "err", err)
	}

	err := s.tasks.Go("dispatch", func(ctx context.Context) error {
		if err := s.dispatcher.Dispatch(ctx, w, item); err != nil {
			if s.metrics != nil {
				s.metrics.DispatchFailures.Add(ctx, 1)
			}
			log.Error("dispatch failed", "err", err)
			return err
		}
		log.Info("dispatched")
		return nil
	})
	if err != nil {
		// The claim stands; the timeout reaper recovers it.
		log.Warn("dispatch not scheduled", "err", err)
	}
}
