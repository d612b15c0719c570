// Package ingest records results reported by workers.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/yourorg/robotq/internal/domain"
	"github.com/yourorg/robotq/internal/inflight"
	"github.com/yourorg/robotq/internal/metrics"
	"github.com/yourorg/robotq/internal/store"
	"github.com/yourorg/robotq/internal/tasks"
	"github.com/yourorg/robotq/internal/tracing"
)

// Forwarder receives every successfully recorded report.
type Forwarder interface {
	ForwardResult(ctx context.Context, report *domain.Report) error
}

type Service struct {
	store     store.Store
	ledger    inflight.Ledger
	forwarder Forwarder
	tasks     *tasks.Tracker
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(st store.Store, ledger inflight.Ledger, fwd Forwarder, tr *tasks.Tracker,
	m *metrics.Metrics, logger *slog.Logger) *Service {
	if ledger == nil {
		ledger = inflight.Nop{}
	}
	return &Service{
		store:     st,
		ledger:    ledger,
		forwarder: fwd,
		tasks:     tr,
		metrics:   m,
		logger:    logger.With("component", "ingest"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessResult finalizes the work item report refers to and frees its
// worker. It returns a domain.ValidationError when the track id is missing,
// domain.ErrNotFound when no work item carries it and domain.ErrConflict when
// it was already finalized; none of those change any state. Forwarding
// happens in the background after the store commits.
func (s *Service) ProcessResult(ctx context.Context, report *domain.Report) (fin *domain.Finalized, err error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.process_result", tracing.KindInternal)
	defer func() { tracing.EndSpan(span, err) }()

	report.TrackID = strings.TrimSpace(report.TrackID)
	if report.TrackID == "" {
		return nil, domain.Required("trackId")
	}
	span.WithAttributes(map[string]string{"track_id": report.TrackID})

	fin, err = s.store.Finalize(ctx, report, s.now())
	if err != nil {
		return nil, err
	}

	log := s.logger.With(
		"track_id", report.TrackID,
		"work_item_id", fin.Result.WorkItemID,
		"has_error", report.HasError)
	if fin.WorkerID != nil {
		log = log.With("worker_id", *fin.WorkerID)
	}
	log.Info("result recorded")

	if s.metrics != nil {
		s.metrics.Results.Add(ctx, 1)
	}
	if err := s.ledger.Release(ctx, fin.Result.WorkItemID); err != nil {
		log.Warn("inflight release failed", "err", err)
	}

	if s.forwarder != nil && s.tasks != nil {
		raw := *report
		if err := s.tasks.Go("webhook", func(ctx context.Context) error {
			return s.forwarder.ForwardResult(ctx, &raw)
		}); err != nil {
			log.Warn("webhook forward not scheduled", "err", err)
		}
	}
	return fin, nil
}
