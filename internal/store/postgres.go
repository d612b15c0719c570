package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yourorg/robotq/internal/domain"
)

const uniqueViolation = "23505"

// reclaimBatch bounds the number of claims released per reaper pass.
const reclaimBatch = 500

// Postgres implements Store on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const workItemColumns = `
    work_items.id, work_items.unique_id, work_items.track_id,
    work_items.ai_config, work_items.bridge_key, work_items.origin_type,
    work_items.media_id, work_items.customer, work_items.channel,
    work_items.phrase, work_items.tags, work_items.data,
    work_items.created_at, work_items.updated_at,
    work_items.assigned_worker_id, work_items.retry_count,
    work_items.processed, work_items.has_error, work_items.error_message`

const workerColumns = `id, name, endpoint_url, available, last_assigned_at, auth_token, created_at`

// scanWorkItem populates item from a row selected with workItemColumns.
// The column order must match exactly.
func scanWorkItem(row pgx.Row, item *domain.WorkItem) error {
	return row.Scan(
		&item.ID,
		&item.UniqueID,
		&item.TrackID,
		&item.Payload.AiConfig,
		&item.Payload.BridgeKey,
		&item.Payload.OriginType,
		&item.Payload.MediaID,
		&item.Payload.Customer,
		&item.Payload.Channel,
		&item.Payload.Phrase,
		&item.Payload.Tags,
		&item.Payload.Data,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.AssignedWorkerID,
		&item.RetryCount,
		&item.Processed,
		&item.HasError,
		&item.ErrorMessage,
	)
}

func scanWorker(row pgx.Row, w *domain.Worker) error {
	return row.Scan(
		&w.ID,
		&w.Name,
		&w.EndpointURL,
		&w.Available,
		&w.LastAssignedAt,
		&w.AuthToken,
		&w.CreatedAt,
	)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) CreateWorkItem(ctx context.Context, item *domain.WorkItem, now time.Time) error {
	if item.UniqueID == uuid.Nil {
		item.UniqueID = uuid.New()
	}
	tags := item.Payload.Tags
	if tags == nil {
		tags = []string{}
	}
	data := item.Payload.Data
	if data == nil {
		data = []domain.DataItem{}
	}

	err := p.pool.QueryRow(ctx, `
		INSERT INTO work_items
			(unique_id, track_id, ai_config, bridge_key, origin_type, media_id,
			 customer, channel, phrase, tags, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING id`,
		item.UniqueID, item.TrackID, item.Payload.AiConfig, item.Payload.BridgeKey,
		item.Payload.OriginType, item.Payload.MediaID, item.Payload.Customer,
		item.Payload.Channel, item.Payload.Phrase, tags, data, now,
	).Scan(&item.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("track id %q already in flight: %w", item.TrackID, domain.ErrConflict)
		}
		return fmt.Errorf("insert work item: %w", err)
	}
	item.Payload.Tags = tags
	item.Payload.Data = data
	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

func (p *Postgres) WorkItemByID(ctx context.Context, id int64) (*domain.WorkItem, error) {
	return p.workItemWhere(ctx, `work_items.id = $1`, id)
}

func (p *Postgres) WorkItemByUniqueID(ctx context.Context, uniqueID uuid.UUID) (*domain.WorkItem, error) {
	return p.workItemWhere(ctx, `work_items.unique_id = $1`, uniqueID)
}

func (p *Postgres) workItemWhere(ctx context.Context, cond string, arg any) (*domain.WorkItem, error) {
	item := &domain.WorkItem{}
	err := scanWorkItem(p.pool.QueryRow(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE `+cond, arg), item)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select work item: %w", err)
	}
	return item, nil
}

// claimWorkerSQL locks the next idle worker. Workers that were never
// assigned go first, then the one idle the longest; id breaks ties.
const claimWorkerSQL = `
SELECT ` + workerColumns + `
FROM workers
WHERE available
ORDER BY last_assigned_at ASC NULLS FIRST, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`

// claimWorkItemSQL binds the oldest eligible item to worker $2.
// SKIP LOCKED lets concurrent schedulers move past rows another instance is
// claiming instead of blocking on them.
const claimWorkItemSQL = `
WITH candidate AS (
    SELECT id FROM work_items
    WHERE assigned_worker_id IS NULL
      AND NOT processed
      AND retry_count < $1
    ORDER BY created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE work_items SET
    assigned_worker_id = $2,
    retry_count        = retry_count + 1,
    updated_at         = $3
FROM candidate
WHERE work_items.id = candidate.id
RETURNING ` + workItemColumns

func (p *Postgres) ClaimNext(ctx context.Context, maxRetries int, now time.Time) (*domain.Claim, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	w := &domain.Worker{}
	if err := scanWorker(tx.QueryRow(ctx, claimWorkerSQL), w); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select worker: %w", err)
	}

	item := &domain.WorkItem{}
	if err := scanWorkItem(tx.QueryRow(ctx, claimWorkItemSQL, maxRetries, w.ID, now), item); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim work item: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE workers SET available = FALSE, last_assigned_at = $2
		WHERE id = $1`, w.ID, now); err != nil {
		return nil, fmt.Errorf("mark worker busy: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO attempts (work_item_id, worker_id, attempt, claimed_at)
		VALUES ($1, $2, $3, $4)`, item.ID, w.ID, item.RetryCount, now); err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	w.Available = false
	w.LastAssignedAt = &now
	return &domain.Claim{WorkItem: item, Worker: w}, nil
}

// reclaimSQL releases expired claims in one statement. The expired CTE
// captures assigned_worker_id before the final UPDATE clears it; the freed
// and closed CTEs run in the same snapshot, so item, worker and attempt flip
// together or not at all.
const reclaimSQL = `
WITH expired AS (
    SELECT id, assigned_worker_id
    FROM work_items
    WHERE assigned_worker_id IS NOT NULL
      AND NOT processed
      AND updated_at < $1
    ORDER BY updated_at ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
), freed AS (
    UPDATE workers SET available = TRUE
    FROM expired
    WHERE workers.id = expired.assigned_worker_id
    RETURNING workers.id
), closed AS (
    UPDATE attempts SET finished_at = $2, outcome = 'timed_out'
    FROM expired
    WHERE attempts.work_item_id = expired.id
      AND attempts.finished_at IS NULL
    RETURNING attempts.id
)
UPDATE work_items SET
    assigned_worker_id = NULL,
    updated_at         = $2
FROM expired
WHERE work_items.id = expired.id
RETURNING work_items.id, work_items.track_id, expired.assigned_worker_id, work_items.retry_count`

func (p *Postgres) ReclaimExpired(ctx context.Context, cutoff, now time.Time) ([]domain.Reclaim, error) {
	rows, err := p.pool.Query(ctx, reclaimSQL, cutoff, now, reclaimBatch)
	if err != nil {
		return nil, fmt.Errorf("reclaim expired: %w", err)
	}
	defer rows.Close()

	var out []domain.Reclaim
	for rows.Next() {
		var r domain.Reclaim
		if err := rows.Scan(&r.WorkItemID, &r.TrackID, &r.WorkerID, &r.RetryCount); err != nil {
			return nil, fmt.Errorf("scan reclaim: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reclaim expired: %w", err)
	}
	return out, nil
}

func (p *Postgres) ReleaseOrphanedWorkers(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE workers SET available = TRUE
		WHERE NOT available
		  AND (last_assigned_at IS NULL OR last_assigned_at < $1)
		  AND NOT EXISTS (
		      SELECT 1 FROM work_items
		      WHERE work_items.assigned_worker_id = workers.id)
		RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("release orphaned workers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("release orphaned workers: %w", err)
	}
	return ids, nil
}

func (p *Postgres) CountExhausted(ctx context.Context, maxRetries int) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM work_items
		WHERE NOT processed
		  AND assigned_worker_id IS NULL
		  AND retry_count >= $1`, maxRetries).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count exhausted: %w", err)
	}
	return n, nil
}

// finalizeLookupSQL prefers the in-flight item for a track id; a processed
// one is only returned when nothing is in flight.
const finalizeLookupSQL = `
SELECT ` + workItemColumns + `
FROM work_items
WHERE track_id = $1
ORDER BY processed ASC, created_at DESC, id DESC
LIMIT 1
FOR UPDATE`

func (p *Postgres) Finalize(ctx context.Context, report *domain.Report, now time.Time) (*domain.Finalized, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	item := &domain.WorkItem{}
	if err := scanWorkItem(tx.QueryRow(ctx, finalizeLookupSQL, report.TrackID), item); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("track id %q: %w", report.TrackID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("select work item: %w", err)
	}
	if item.Processed {
		return nil, fmt.Errorf("track id %q already processed: %w", report.TrackID, domain.ErrConflict)
	}

	res := domain.NewResult(item, report, now)
	err = tx.QueryRow(ctx, `
		INSERT INTO results
			(work_item_id, processed_by_worker_id, has_error, error_message,
			 track_id, type, media_id, channel, tag, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		res.WorkItemID, res.ProcessedByWorkerID, res.HasError, res.ErrorMessage,
		res.TrackID, res.Type, res.MediaID, res.Channel, res.Tag, res.ReceivedAt,
	).Scan(&res.ID)
	if err != nil {
		return nil, fmt.Errorf("insert result: %w", err)
	}

	outcome := domain.OutcomeCompleted
	if res.HasError {
		outcome = domain.OutcomeFailed
	}

	batch := &pgx.Batch{}
	for i, m := range res.Messages {
		batch.Queue(`INSERT INTO result_messages (result_id, position, message)
			VALUES ($1, $2, $3)`, res.ID, i, m)
	}
	for i, a := range res.Attachments {
		batch.Queue(`INSERT INTO result_attachments
			(result_id, position, attachment_id, name, content_type, url)
			VALUES ($1, $2, $3, $4, $5, $6)`, res.ID, i, a.ID, a.Name, a.ContentType, a.URL)
	}
	batch.Queue(`
		UPDATE work_items SET
			processed          = TRUE,
			has_error          = $2,
			error_message      = $3,
			assigned_worker_id = NULL,
			updated_at         = $4
		WHERE id = $1`, item.ID, res.HasError, res.ErrorMessage, now)
	batch.Queue(`
		UPDATE attempts SET finished_at = $2, outcome = $3
		WHERE work_item_id = $1 AND finished_at IS NULL`, item.ID, now, outcome)
	if item.AssignedWorkerID != nil {
		batch.Queue(`UPDATE workers SET available = TRUE WHERE id = $1`, *item.AssignedWorkerID)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("finalize work item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	return &domain.Finalized{Result: res, WorkerID: item.AssignedWorkerID}, nil
}

func (p *Postgres) Purge(ctx context.Context, horizon time.Time) (domain.PurgeStats, error) {
	var stats domain.PurgeStats
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return stats, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `DELETE FROM results WHERE received_at < $1`, horizon)
	if err != nil {
		return stats, fmt.Errorf("purge results: %w", err)
	}
	stats.Results = tag.RowsAffected()

	// results, attempts and their children go with the item via ON DELETE CASCADE.
	tag, err = tx.Exec(ctx, `
		DELETE FROM work_items
		WHERE processed AND updated_at < $1`, horizon)
	if err != nil {
		return stats, fmt.Errorf("purge work items: %w", err)
	}
	stats.WorkItems = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return domain.PurgeStats{}, fmt.Errorf("commit purge: %w", err)
	}
	return stats, nil
}

func (p *Postgres) ListResults(ctx context.Context, workItemID int64) ([]domain.Result, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, work_item_id, processed_by_worker_id, has_error, error_message,
		       track_id, type, media_id, channel, tag, received_at
		FROM results
		WHERE work_item_id = $1
		ORDER BY received_at ASC, id ASC`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	var out []domain.Result
	for rows.Next() {
		var r domain.Result
		if err := rows.Scan(&r.ID, &r.WorkItemID, &r.ProcessedByWorkerID, &r.HasError,
			&r.ErrorMessage, &r.TrackID, &r.Type, &r.MediaID, &r.Channel, &r.Tag,
			&r.ReceivedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}

	for i := range out {
		msgRows, err := p.pool.Query(ctx, `
			SELECT message FROM result_messages
			WHERE result_id = $1 ORDER BY position`, out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}
		out[i].Messages, err = pgx.CollectRows(msgRows, pgx.RowTo[string])
		if err != nil {
			return nil, fmt.Errorf("scan messages: %w", err)
		}

		attRows, err := p.pool.Query(ctx, `
			SELECT attachment_id, name, content_type, url FROM result_attachments
			WHERE result_id = $1 ORDER BY position`, out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("query attachments: %w", err)
		}
		out[i].Attachments, err = pgx.CollectRows(attRows, func(row pgx.CollectableRow) (domain.Attachment, error) {
			var a domain.Attachment
			err := row.Scan(&a.ID, &a.Name, &a.ContentType, &a.URL)
			return a, err
		})
		if err != nil {
			return nil, fmt.Errorf("scan attachments: %w", err)
		}
	}
	return out, nil
}

func (p *Postgres) ListAttempts(ctx context.Context, workItemID int64) ([]domain.Attempt, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, work_item_id, worker_id, attempt, claimed_at, finished_at, outcome
		FROM attempts
		WHERE work_item_id = $1
		ORDER BY attempt ASC, claimed_at ASC`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	attempts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Attempt, error) {
		var a domain.Attempt
		err := row.Scan(&a.ID, &a.WorkItemID, &a.WorkerID, &a.Attempt, &a.ClaimedAt, &a.FinishedAt, &a.Outcome)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan attempts: %w", err)
	}
	return attempts, nil
}

func (p *Postgres) CreateWorker(ctx context.Context, w *domain.Worker) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO workers (name, endpoint_url, auth_token)
		VALUES ($1, $2, $3)
		RETURNING `+workerColumns, w.Name, w.EndpointURL, w.AuthToken).
		Scan(&w.ID, &w.Name, &w.EndpointURL, &w.Available, &w.LastAssignedAt, &w.AuthToken, &w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

func (p *Postgres) WorkerByID(ctx context.Context, id int64) (*domain.Worker, error) {
	w := &domain.Worker{}
	err := scanWorker(p.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id), w)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select worker: %w", err)
	}
	return w, nil
}

func (p *Postgres) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	workers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Worker, error) {
		var w domain.Worker
		err := scanWorker(row, &w)
		return w, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan workers: %w", err)
	}
	return workers, nil
}

func (p *Postgres) CreateToken(ctx context.Context, t *domain.Token) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO tokens (name, value) VALUES ($1, $2)
		RETURNING id, created_at`, t.Name, t.Value).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("token already exists: %w", domain.ErrConflict)
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (p *Postgres) TokenExists(ctx context.Context, value string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tokens WHERE value = $1)`, value).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup token: %w", err)
	}
	return exists, nil
}

func (p *Postgres) Stats(ctx context.Context, maxRetries int) (domain.Stats, error) {
	var s domain.Stats
	err := p.pool.QueryRow(ctx, `
		SELECT
		    COUNT(*) FILTER (WHERE NOT processed AND assigned_worker_id IS NULL AND retry_count < $1),
		    COUNT(*) FILTER (WHERE assigned_worker_id IS NOT NULL),
		    COUNT(*) FILTER (WHERE processed),
		    COUNT(*) FILTER (WHERE processed AND has_error),
		    COUNT(*) FILTER (WHERE NOT processed AND assigned_worker_id IS NULL AND retry_count >= $1)
		FROM work_items`, maxRetries).
		Scan(&s.Pending, &s.Assigned, &s.Processed, &s.Failed, &s.Exhausted)
	if err != nil {
		return s, fmt.Errorf("work item stats: %w", err)
	}
	err = p.pool.QueryRow(ctx, `
		SELECT
		    COUNT(*) FILTER (WHERE available),
		    COUNT(*) FILTER (WHERE NOT available)
		FROM workers`).Scan(&s.WorkersAvailable, &s.WorkersBusy)
	if err != nil {
		return s, fmt.Errorf("worker stats: %w", err)
	}
	return s, nil
}
