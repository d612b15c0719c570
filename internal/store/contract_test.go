package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/robotq/internal/domain"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func addWorker(t *testing.T, s Store, name string) *domain.Worker {
	t.Helper()
	w := &domain.Worker{Name: name, EndpointURL: "http://" + name + ".local"}
	require.NoError(t, s.CreateWorker(context.Background(), w))
	return w
}

func addItem(t *testing.T, s Store, trackID string, at time.Time) *domain.WorkItem {
	t.Helper()
	item := &domain.WorkItem{
		TrackID: trackID,
		Payload: domain.Payload{
			Channel: "manual",
			Tags:    []string{"a", "b"},
			Data:    []domain.DataItem{{Header: "h", Value: "v"}},
		},
	}
	require.NoError(t, s.CreateWorkItem(context.Background(), item, at))
	return item
}

func strPtr(s string) *string { return &s }

// runContract exercises the behaviour every Store must share.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("claim is a no-op without a worker or an item", func(t *testing.T) {
		s := newStore(t)
		addItem(t, s, "T1", base)
		claim, err := s.ClaimNext(ctx, 3, base)
		require.NoError(t, err)
		assert.Nil(t, claim)

		s = newStore(t)
		w := addWorker(t, s, "w1")
		claim, err = s.ClaimNext(ctx, 3, base)
		require.NoError(t, err)
		assert.Nil(t, claim)
		got, err := s.WorkerByID(ctx, w.ID)
		require.NoError(t, err)
		assert.True(t, got.Available)
	})

	t.Run("claim binds the oldest item to the next worker", func(t *testing.T) {
		s := newStore(t)
		w1 := addWorker(t, s, "w1")
		w2 := addWorker(t, s, "w2")
		t2 := addItem(t, s, "T2", base.Add(time.Minute))
		t1 := addItem(t, s, "T1", base)
		now := base.Add(2 * time.Minute)

		claim, err := s.ClaimNext(ctx, 3, now)
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.Equal(t, t1.ID, claim.WorkItem.ID)
		assert.Equal(t, w1.ID, claim.Worker.ID)
		assert.Equal(t, []string{"a", "b"}, claim.WorkItem.Payload.Tags)
		assert.Equal(t, []domain.DataItem{{Header: "h", Value: "v"}}, claim.WorkItem.Payload.Data)

		item, err := s.WorkItemByID(ctx, t1.ID)
		require.NoError(t, err)
		require.NotNil(t, item.AssignedWorkerID)
		assert.Equal(t, w1.ID, *item.AssignedWorkerID)
		assert.Equal(t, 1, item.RetryCount)
		assert.False(t, item.Processed)
		assert.True(t, item.UpdatedAt.Equal(now))

		worker, err := s.WorkerByID(ctx, w1.ID)
		require.NoError(t, err)
		assert.False(t, worker.Available)
		require.NotNil(t, worker.LastAssignedAt)
		assert.True(t, worker.LastAssignedAt.Equal(now))

		claim, err = s.ClaimNext(ctx, 3, now)
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.Equal(t, t2.ID, claim.WorkItem.ID)
		assert.Equal(t, w2.ID, claim.Worker.ID)

		addItem(t, s, "T3", base)
		claim, err = s.ClaimNext(ctx, 3, now)
		require.NoError(t, err)
		assert.Nil(t, claim, "every worker is busy")

		attempts, err := s.ListAttempts(ctx, t1.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, 1, attempts[0].Attempt)
		assert.Equal(t, w1.ID, attempts[0].WorkerID)
		assert.Nil(t, attempts[0].FinishedAt)
	})

	t.Run("idle worker with the oldest assignment goes first", func(t *testing.T) {
		s := newStore(t)
		w1 := addWorker(t, s, "w1")
		w2 := addWorker(t, s, "w2")
		addItem(t, s, "T1", base)
		addItem(t, s, "T2", base)

		first, err := s.ClaimNext(ctx, 3, base.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, w1.ID, first.Worker.ID)
		second, err := s.ClaimNext(ctx, 3, base.Add(2*time.Minute))
		require.NoError(t, err)
		require.Equal(t, w2.ID, second.Worker.ID)

		_, err = s.Finalize(ctx, &domain.Report{TrackID: second.WorkItem.TrackID}, base.Add(3*time.Minute))
		require.NoError(t, err)
		_, err = s.Finalize(ctx, &domain.Report{TrackID: first.WorkItem.TrackID}, base.Add(4*time.Minute))
		require.NoError(t, err)

		addItem(t, s, "T3", base.Add(5*time.Minute))
		claim, err := s.ClaimNext(ctx, 3, base.Add(6*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.Equal(t, w1.ID, claim.Worker.ID)
	})

	t.Run("reclaim frees item and worker together", func(t *testing.T) {
		s := newStore(t)
		w := addWorker(t, s, "w1")
		t1 := addItem(t, s, "T1", base)
		claimedAt := base.Add(time.Minute)
		_, err := s.ClaimNext(ctx, 3, claimedAt)
		require.NoError(t, err)

		reclaimed, err := s.ReclaimExpired(ctx, claimedAt, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, reclaimed, "cutoff is exclusive")

		now := base.Add(time.Hour)
		reclaimed, err = s.ReclaimExpired(ctx, claimedAt.Add(time.Second), now)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, domain.Reclaim{WorkItemID: t1.ID, TrackID: "T1", WorkerID: w.ID, RetryCount: 1}, reclaimed[0])

		item, err := s.WorkItemByID(ctx, t1.ID)
		require.NoError(t, err)
		assert.Nil(t, item.AssignedWorkerID)
		assert.Equal(t, 1, item.RetryCount)
		assert.False(t, item.Processed)
		assert.True(t, item.UpdatedAt.Equal(now))

		worker, err := s.WorkerByID(ctx, w.ID)
		require.NoError(t, err)
		assert.True(t, worker.Available)

		attempts, err := s.ListAttempts(ctx, t1.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		require.NotNil(t, attempts[0].Outcome)
		assert.Equal(t, domain.OutcomeTimedOut, *attempts[0].Outcome)
	})

	t.Run("exhausted items stay pending and are counted", func(t *testing.T) {
		s := newStore(t)
		addWorker(t, s, "w1")
		t1 := addItem(t, s, "T1", base)
		_, err := s.ClaimNext(ctx, 1, base.Add(time.Minute))
		require.NoError(t, err)
		_, err = s.ReclaimExpired(ctx, base.Add(time.Hour), base.Add(time.Hour))
		require.NoError(t, err)

		claim, err := s.ClaimNext(ctx, 1, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Nil(t, claim)

		n, err := s.CountExhausted(ctx, 1)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		item, err := s.WorkItemByID(ctx, t1.ID)
		require.NoError(t, err)
		assert.False(t, item.Processed)
	})

	t.Run("finalize unknown track id mutates nothing", func(t *testing.T) {
		s := newStore(t)
		addWorker(t, s, "w1")
		addItem(t, s, "T1", base)
		before, err := s.Stats(ctx, 3)
		require.NoError(t, err)

		_, err = s.Finalize(ctx, &domain.Report{TrackID: "nope"}, base)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		after, err := s.Stats(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("finalize records the result and frees the worker once", func(t *testing.T) {
		s := newStore(t)
		w := addWorker(t, s, "w1")
		t1 := addItem(t, s, "T1", base)
		_, err := s.ClaimNext(ctx, 3, base.Add(time.Minute))
		require.NoError(t, err)

		now := base.Add(2 * time.Minute)
		report := &domain.Report{
			TrackID:     "T1",
			Type:        "comment",
			Channel:     "manual",
			Tag:         strPtr("x"),
			Messages:    []string{"ok", "second"},
			Attachments: []domain.Attachment{{ID: "a1", Name: "shot.png", ContentType: "image/png", URL: "http://files/a1"}},
		}
		fin, err := s.Finalize(ctx, report, now)
		require.NoError(t, err)
		require.NotNil(t, fin.WorkerID)
		assert.Equal(t, w.ID, *fin.WorkerID)

		item, err := s.WorkItemByID(ctx, t1.ID)
		require.NoError(t, err)
		assert.True(t, item.Processed)
		assert.False(t, item.HasError)
		assert.Nil(t, item.AssignedWorkerID)

		worker, err := s.WorkerByID(ctx, w.ID)
		require.NoError(t, err)
		assert.True(t, worker.Available)

		results, err := s.ListResults(ctx, t1.ID)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, []string{"ok", "second"}, results[0].Messages)
		assert.Equal(t, report.Attachments, results[0].Attachments)
		require.NotNil(t, results[0].ProcessedByWorkerID)
		assert.Equal(t, w.ID, *results[0].ProcessedByWorkerID)
		assert.True(t, results[0].ReceivedAt.Equal(now))

		_, err = s.Finalize(ctx, report, now.Add(time.Second))
		assert.ErrorIs(t, err, domain.ErrConflict)
		results, err = s.ListResults(ctx, t1.ID)
		require.NoError(t, err)
		assert.Len(t, results, 1)

		attempts, err := s.ListAttempts(ctx, t1.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		require.NotNil(t, attempts[0].Outcome)
		assert.Equal(t, domain.OutcomeCompleted, *attempts[0].Outcome)
	})

	t.Run("finalize an unclaimed item stores the error", func(t *testing.T) {
		s := newStore(t)
		t1 := addItem(t, s, "T1", base)
		fin, err := s.Finalize(ctx, &domain.Report{TrackID: "T1", HasError: true, ErrorMessage: strPtr("boom")}, base)
		require.NoError(t, err)
		assert.Nil(t, fin.WorkerID)

		item, err := s.WorkItemByID(ctx, t1.ID)
		require.NoError(t, err)
		assert.True(t, item.Processed)
		assert.True(t, item.HasError)
		require.NotNil(t, item.ErrorMessage)
		assert.Equal(t, "boom", *item.ErrorMessage)
	})

	t.Run("track id is unique while in flight", func(t *testing.T) {
		s := newStore(t)
		addItem(t, s, "T1", base)
		err := s.CreateWorkItem(ctx, &domain.WorkItem{TrackID: "T1", Payload: domain.Payload{Channel: "manual"}}, base)
		assert.ErrorIs(t, err, domain.ErrConflict)

		_, err = s.Finalize(ctx, &domain.Report{TrackID: "T1"}, base.Add(time.Minute))
		require.NoError(t, err)
		again := addItem(t, s, "T1", base.Add(2*time.Minute))

		fin, err := s.Finalize(ctx, &domain.Report{TrackID: "T1"}, base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, again.ID, fin.Result.WorkItemID)
	})

	t.Run("purge removes only rows past the horizon", func(t *testing.T) {
		s := newStore(t)
		old := addItem(t, s, "old", base)
		_, err := s.Finalize(ctx, &domain.Report{TrackID: "old"}, base)
		require.NoError(t, err)

		fresh := addItem(t, s, "fresh", base.Add(95*24*time.Hour))
		_, err = s.Finalize(ctx, &domain.Report{TrackID: "fresh"}, base.Add(95*24*time.Hour))
		require.NoError(t, err)

		stale := addItem(t, s, "stale-pending", base)

		now := base.Add(100 * 24 * time.Hour)
		stats, err := s.Purge(ctx, now.Add(-90*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, domain.PurgeStats{Results: 1, WorkItems: 1}, stats)

		_, err = s.WorkItemByID(ctx, old.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = s.WorkItemByID(ctx, fresh.ID)
		assert.NoError(t, err)
		_, err = s.WorkItemByID(ctx, stale.ID)
		assert.NoError(t, err, "unprocessed items are never purged")

		results, err := s.ListResults(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("tokens match exactly", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateToken(ctx, &domain.Token{Name: "ci", Value: "secret-123"}))

		ok, err := s.TokenExists(ctx, "secret-123")
		require.NoError(t, err)
		assert.True(t, ok)
		for _, v := range []string{"secret-12", "secret-1234", "SECRET-123", ""} {
			ok, err = s.TokenExists(ctx, v)
			require.NoError(t, err)
			assert.False(t, ok, v)
		}
		err = s.CreateToken(ctx, &domain.Token{Name: "dup", Value: "secret-123"})
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("stats", func(t *testing.T) {
		s := newStore(t)
		addWorker(t, s, "w1")
		addWorker(t, s, "w2")
		addItem(t, s, "T1", base)
		addItem(t, s, "T2", base.Add(time.Second))
		addItem(t, s, "T3", base.Add(2*time.Second))
		_, err := s.ClaimNext(ctx, 3, base.Add(time.Minute))
		require.NoError(t, err)
		_, err = s.Finalize(ctx, &domain.Report{TrackID: "T2", HasError: true}, base.Add(time.Minute))
		require.NoError(t, err)

		st, err := s.Stats(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, domain.Stats{
			Pending:          1,
			Assigned:         1,
			Processed:        1,
			Failed:           1,
			WorkersAvailable: 1,
			WorkersBusy:      1,
		}, st)
	})
}
