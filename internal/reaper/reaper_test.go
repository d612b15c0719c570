package reaper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/robotq/internal/domain"
	"github.com/yourorg/robotq/internal/inflight"
	"github.com/yourorg/robotq/internal/metrics"
	"github.com/yourorg/robotq/internal/store"
	"go.opentelemetry.io/otel/metric/noop"
)

var now = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func addWorker(t *testing.T, s store.Store, name string) *domain.Worker {
	t.Helper()
	w := &domain.Worker{Name: name, EndpointURL: "http://" + name}
	require.NoError(t, s.CreateWorker(context.Background(), w))
	return w
}

func addItem(t *testing.T, s store.Store, trackID string, at time.Time) *domain.WorkItem {
	t.Helper()
	item := &domain.WorkItem{TrackID: trackID, Payload: domain.Payload{Channel: "manual"}}
	require.NoError(t, s.CreateWorkItem(context.Background(), item, at))
	return item
}

func newTimeout(t *testing.T, s store.Store) (*Timeout, *inflight.Redis, *metrics.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	ledger := inflight.NewRedis(rc)

	m, err := metrics.New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	r := NewTimeout(s, ledger, m, discard(), TimeoutOptions{
		Interval:           time.Minute,
		QueueTimeout:       5 * time.Minute,
		WorkerClaimTimeout: 5 * time.Minute,
		MaxRetryAttempts:   2,
	})
	r.now = func() time.Time { return now }
	return r, ledger, m
}

func TestSweepReclaimsStalledPairs(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r, ledger, _ := newTimeout(t, s)

	w := addWorker(t, s, "w1")
	item := addItem(t, s, "T1", now.Add(-time.Hour))
	claim, err := s.ClaimNext(ctx, 2, now.Add(-6*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.NoError(t, ledger.Claim(ctx, item.ID))

	stats, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reclaimed)

	got, err := s.WorkItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AssignedWorkerID)
	assert.Equal(t, 1, got.RetryCount)
	assert.False(t, got.Processed)
	assert.Equal(t, now, got.UpdatedAt)

	free, err := s.WorkerByID(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, free.Available)

	attempts, err := s.ListAttempts(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].Outcome)
	assert.Equal(t, domain.OutcomeTimedOut, *attempts[0].Outcome)

	n, err := ledger.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepLeavesFreshClaims(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r, _, _ := newTimeout(t, s)

	addWorker(t, s, "w1")
	item := addItem(t, s, "T1", now.Add(-time.Hour))
	_, err := s.ClaimNext(ctx, 2, now.Add(-time.Minute))
	require.NoError(t, err)

	stats, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Reclaimed)
	assert.Zero(t, stats.WorkersReleased)

	got, err := s.WorkItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.AssignedWorkerID)
}

func TestSweepReleasesOrphanedWorkers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r, _, _ := newTimeout(t, s)

	orphan := addWorker(t, s, "orphan")
	stale := now.Add(-10 * time.Minute)
	require.NoError(t, s.SetWorkerState(orphan.ID, false, &stale))

	stats, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WorkersReleased)

	got, err := s.WorkerByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.True(t, got.Available)
}

func TestSweepPublishesExhausted(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r, ledger, m := newTimeout(t, s)

	addWorker(t, s, "w1")
	item := addItem(t, s, "T1", now.Add(-time.Hour))
	for i := 0; i < 2; i++ {
		claim, err := s.ClaimNext(ctx, 2, now.Add(-time.Hour))
		require.NoError(t, err)
		require.NotNil(t, claim)
		_, err = s.ReclaimExpired(ctx, now, now.Add(-30*time.Minute))
		require.NoError(t, err)
	}

	stats, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Exhausted)
	assert.Equal(t, int64(1), m.Exhausted())

	gauge, err := ledger.Exhausted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gauge)

	got, err := s.WorkItemByID(ctx, item.ID)
	require.NoError(t, err, "exhausted items are kept")
	assert.Equal(t, 2, got.RetryCount)
}

func TestRetentionPurge(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := NewRetention(s, nil, discard(), RetentionOptions{Interval: time.Hour, RetentionDays: 90})
	r.now = func() time.Time { return now }

	assert.Equal(t, now.AddDate(0, 0, -90), r.Horizon())

	old := now.AddDate(0, 0, -100)
	addWorker(t, s, "w1")
	done := addItem(t, s, "OLD", old)
	_, err := s.ClaimNext(ctx, 3, old)
	require.NoError(t, err)
	_, err = s.Finalize(ctx, &domain.Report{TrackID: "OLD"}, old)
	require.NoError(t, err)

	pending := addItem(t, s, "PENDING", old)
	fresh := addItem(t, s, "FRESH", now.Add(-time.Hour))
	_, err = s.Finalize(ctx, &domain.Report{TrackID: "FRESH"}, now.Add(-time.Minute))
	require.NoError(t, err)

	stats, err := r.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Results)
	assert.Equal(t, int64(1), stats.WorkItems)

	_, err = s.WorkItemByID(ctx, done.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.WorkItemByID(ctx, pending.ID)
	assert.NoError(t, err)
	results, err := s.ListResults(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := store.NewMemory()
	r := NewRetention(s, nil, discard(), RetentionOptions{Interval: time.Hour, RetentionDays: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retention reaper did not stop")
	}
}
