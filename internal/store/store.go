// Package store persists work items, workers, results and tokens. Postgres
// is the production implementation; Memory backs tests and local runs.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/yourorg/robotq/internal/domain"
)

// Store is the transactional record store the orchestrator runs on. Every
// method that mutates more than one row does so atomically.
type Store interface {
	Ping(ctx context.Context) error

	// CreateWorkItem inserts item and fills ID, UniqueID, CreatedAt and
	// UpdatedAt. Returns domain.ErrConflict when item.TrackID is in flight.
	CreateWorkItem(ctx context.Context, item *domain.WorkItem, now time.Time) error
	WorkItemByID(ctx context.Context, id int64) (*domain.WorkItem, error)
	WorkItemByUniqueID(ctx context.Context, uniqueID uuid.UUID) (*domain.WorkItem, error)

	// ClaimNext binds the next available worker to the oldest eligible work
	// item. Returns nil, nil when either side is empty.
	ClaimNext(ctx context.Context, maxRetries int, now time.Time) (*domain.Claim, error)

	// ReclaimExpired releases claims whose work item was last touched before
	// cutoff, freeing both the item and its worker.
	ReclaimExpired(ctx context.Context, cutoff, now time.Time) ([]domain.Reclaim, error)

	// ReleaseOrphanedWorkers frees busy workers that hold no work item and
	// were last assigned before cutoff.
	ReleaseOrphanedWorkers(ctx context.Context, cutoff time.Time) ([]int64, error)

	// CountExhausted counts unclaimed, unprocessed items that ran out of
	// retries.
	CountExhausted(ctx context.Context, maxRetries int) (int64, error)

	// Finalize records report against its work item. Returns
	// domain.ErrNotFound for an unknown track id and domain.ErrConflict when
	// the item is already processed; neither case mutates anything.
	Finalize(ctx context.Context, report *domain.Report, now time.Time) (*domain.Finalized, error)

	// Purge deletes results received before horizon and processed work items
	// last updated before horizon, cascading to their results.
	Purge(ctx context.Context, horizon time.Time) (domain.PurgeStats, error)

	ListResults(ctx context.Context, workItemID int64) ([]domain.Result, error)
	ListAttempts(ctx context.Context, workItemID int64) ([]domain.Attempt, error)

	CreateWorker(ctx context.Context, w *domain.Worker) error
	WorkerByID(ctx context.Context, id int64) (*domain.Worker, error)
	ListWorkers(ctx context.Context) ([]domain.Worker, error)

	CreateToken(ctx context.Context, t *domain.Token) error
	TokenExists(ctx context.Context, value string) (bool, error)

	Stats(ctx context.Context, maxRetries int) (domain.Stats, error)
}
