// Package tasks runs detached background work with bounded concurrency and
// drains it on shutdown.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Go once Drain has started.
var ErrClosed = errors.New("tasks: tracker is draining")

// CancelGrace bounds how long Drain waits for canceled tasks to return once
// its deadline has passed.
var CancelGrace = time.Second

// Tracker owns goroutines that must outlive the request or tick that started
// them. Each task gets its own timeout and a context that is canceled only
// when a drain runs out of time.
type Tracker struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	pending atomic.Int64
	running atomic.Int64
	failed  atomic.Int64
}

func New(limit int64, timeout time.Duration, logger *slog.Logger) *Tracker {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Tracker{
		sem:     semaphore.NewWeighted(limit),
		timeout: timeout,
		logger:  logger.With("component", "tasks"),
		base:    base,
		cancel:  cancel,
	}
}

// Go schedules fn and returns without waiting for a concurrency slot. The
// error fn returns is logged under name.
func (t *Tracker) Go(name string, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.wg.Add(1)
	t.pending.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.pending.Add(-1)
		if err := t.sem.Acquire(t.base, 1); err != nil {
			t.logger.Warn("task dropped before start", "task", name, "err", err)
			return
		}
		defer t.sem.Release(1)

		t.running.Add(1)
		defer t.running.Add(-1)

		ctx := t.base
		if t.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(t.base, t.timeout)
			defer cancel()
		}
		if err := fn(ctx); err != nil {
			t.failed.Add(1)
			t.logger.Warn("task failed", "task", name, "err", err)
		}
	}()
	return nil
}

// Running reports how many tasks are executing right now.
func (t *Tracker) Running() int64 { return t.running.Load() }

// Failed reports how many tasks have returned an error so far.
func (t *Tracker) Failed() int64 { return t.failed.Load() }

// Drain stops intake and waits for outstanding tasks until ctx is done. Tasks
// still pending at that point are canceled and given CancelGrace to return;
// the number of them is returned. Tasks that ignore cancellation are left
// running.
func (t *Tracker) Drain(ctx context.Context) int {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.cancel()
		return 0
	case <-ctx.Done():
	}

	abandoned := int(t.pending.Load())
	t.cancel()
	grace := time.NewTimer(CancelGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		t.logger.Error("tasks ignored cancellation", "still_running", t.pending.Load())
	}
	t.logger.Warn("drain deadline reached", "abandoned", abandoned)
	return abandoned
}
