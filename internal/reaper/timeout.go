// Package reaper holds the periodic recovery loops: the timeout reaper that
// reclaims stalled assignments and the retention reaper that purges old rows.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/robotq/internal/inflight"
	"github.com/yourorg/robotq/internal/loop"
	"github.com/yourorg/robotq/internal/metrics"
	"github.com/yourorg/robotq/internal/store"
	"github.com/yourorg/robotq/internal/tracing"
)

type TimeoutOptions struct {
	Interval           time.Duration
	QueueTimeout       time.Duration
	WorkerClaimTimeout time.Duration
	MaxRetryAttempts   int
}

// SweepStats summarizes one timeout sweep.
type SweepStats struct {
	Reclaimed       int
	WorkersReleased int
	Exhausted       int64
}

type Timeout struct {
	store   store.Store
	ledger  inflight.Ledger
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    TimeoutOptions
	now     func() time.Time
}

func NewTimeout(st store.Store, ledger inflight.Ledger, m *metrics.Metrics,
	logger *slog.Logger, opts TimeoutOptions) *Timeout {
	if ledger == nil {
		ledger = inflight.Nop{}
	}
	return &Timeout{
		store:   st,
		ledger:  ledger,
		metrics: m,
		logger:  logger.With("component", "timeout_reaper"),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Timeout) Run(ctx context.Context) {
	r.logger.Info("timeout reaper starting",
		"interval", r.opts.Interval,
		"queue_timeout", r.opts.QueueTimeout,
		"worker_claim_timeout", r.opts.WorkerClaimTimeout)
	loop.Run(ctx, loop.Options{Name: "timeout_reaper", Interval: r.opts.Interval, Logger: r.logger},
		func(ctx context.Context) error {
			_, err := r.Sweep(ctx)
			return err
		})
}

// Sweep reclaims assignments idle past QueueTimeout, frees workers that hold
// nothing but are still marked busy past WorkerClaimTimeout, and publishes
// the number of work items that ran out of retries. Exhausted items are
// reported, never deleted.
func (r *Timeout) Sweep(ctx context.Context) (stats SweepStats, err error) {
	ctx, span := tracing.StartSpan(ctx, "reaper.timeout", tracing.KindInternal)
	defer func() { tracing.EndSpan(span, err) }()

	now := r.now()

	reclaimed, err := r.store.ReclaimExpired(ctx, now.Add(-r.opts.QueueTimeout), now)
	if err != nil {
		return stats, fmt.Errorf("reclaim expired: %w", err)
	}
	stats.Reclaimed = len(reclaimed)
	for _, rc := range reclaimed {
		if err := r.ledger.Release(ctx, rc.WorkItemID); err != nil {
			r.logger.Warn("inflight release failed", "work_item_id", rc.WorkItemID, "err", err)
		}
		r.logger.Warn("reclaimed timed out work item",
			"work_item_id", rc.WorkItemID,
			"track_id", rc.TrackID,
			"worker_id", rc.WorkerID,
			"retry_count", rc.RetryCount)
	}
	if r.metrics != nil && stats.Reclaimed > 0 {
		r.metrics.Reclaims.Add(ctx, int64(stats.Reclaimed))
	}

	released, err := r.store.ReleaseOrphanedWorkers(ctx, now.Add(-r.opts.WorkerClaimTimeout))
	if err != nil {
		return stats, fmt.Errorf("release orphaned workers: %w", err)
	}
	stats.WorkersReleased = len(released)
	if len(released) > 0 {
		r.logger.Warn("released orphaned workers", "worker_ids", released)
		if r.metrics != nil {
			r.metrics.WorkersReleased.Add(ctx, int64(len(released)))
		}
	}

	exhausted, err := r.store.CountExhausted(ctx, r.opts.MaxRetryAttempts)
	if err != nil {
		return stats, fmt.Errorf("count exhausted: %w", err)
	}
	stats.Exhausted = exhausted
	if exhausted > 0 {
		r.logger.Warn("work items out of retries",
			"count", exhausted,
			"max_retry_attempts", r.opts.MaxRetryAttempts)
	}
	if r.metrics != nil {
		r.metrics.SetExhausted(exhausted)
	}
	if err := r.ledger.SetExhausted(ctx, exhausted); err != nil {
		r.logger.Warn("exhausted gauge update failed", "err", err)
	}
	return stats, nil
}
