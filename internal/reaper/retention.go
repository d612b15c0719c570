package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/robotq/internal/domain"
	"github.com/yourorg/robotq/internal/loop"
	"github.com/yourorg/robotq/internal/metrics"
	"github.com/yourorg/robotq/internal/store"
	"github.com/yourorg/robotq/internal/tracing"
)

type RetentionOptions struct {
	Interval      time.Duration
	RetentionDays int
}

type Retention struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    RetentionOptions
	now     func() time.Time
}

func NewRetention(st store.Store, m *metrics.Metrics, logger *slog.Logger, opts RetentionOptions) *Retention {
	return &Retention{
		store:   st,
		metrics: m,
		logger:  logger.With("component", "retention_reaper"),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run purges once immediately and then every Interval.
func (r *Retention) Run(ctx context.Context) {
	r.logger.Info("retention reaper starting",
		"interval", r.opts.Interval,
		"retention_days", r.opts.RetentionDays)
	loop.Run(ctx, loop.Options{
		Name:      "retention_reaper",
		Interval:  r.opts.Interval,
		Immediate: true,
		Logger:    r.logger,
	}, func(ctx context.Context) error {
		_, err := r.Purge(ctx)
		return err
	})
}

// Horizon is the instant before which finalized records are deleted.
func (r *Retention) Horizon() time.Time {
	return r.now().AddDate(0, 0, -r.opts.RetentionDays)
}

// Purge deletes results and processed work items older than the horizon.
// Unprocessed work items are never touched.
func (r *Retention) Purge(ctx context.Context) (stats domain.PurgeStats, err error) {
	ctx, span := tracing.StartSpan(ctx, "reaper.retention", tracing.KindInternal)
	defer func() { tracing.EndSpan(span, err) }()

	horizon := r.Horizon()
	stats, err = r.store.Purge(ctx, horizon)
	if err != nil {
		return stats, fmt.Errorf("purge before %s: %w", horizon.Format(time.RFC3339), err)
	}
	r.logger.Info("retention purge finished",
		"horizon", horizon,
		"results_deleted", stats.Results,
		"work_items_deleted", stats.WorkItems)
	if r.metrics != nil {
		r.metrics.Purged.Add(ctx, stats.Results+stats.WorkItems)
	}
	return stats, nil
}
