package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRunsAndDrains(t *testing.T) {
	tr := New(2, time.Second, nil)

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Go("work", func(context.Context) error {
			done.Add(1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Equal(t, 0, tr.Drain(ctx))
	assert.Equal(t, int32(5), done.Load())
}

func TestTrackerBoundsConcurrency(t *testing.T) {
	tr := New(2, time.Second, nil)

	var cur, peak atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		require.NoError(t, tr.Go("bounded", func(context.Context) error {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			cur.Add(-1)
			return nil
		}))
	}

	assert.Eventually(t, func() bool { return tr.Running() == 2 }, time.Second, time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Equal(t, 0, tr.Drain(ctx))
	assert.Equal(t, int32(2), peak.Load())
}

func TestTrackerRejectsAfterDrain(t *testing.T) {
	tr := New(1, 0, nil)
	tr.Drain(context.Background())
	err := tr.Go("late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTrackerAbandonsOnDeadline(t *testing.T) {
	tr := New(4, 0, nil)

	started := make(chan struct{})
	require.NoError(t, tr.Go("stuck", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, 1, tr.Drain(ctx))
}

func TestTrackerDrainBoundedWhenTaskIgnoresContext(t *testing.T) {
	prev := CancelGrace
	CancelGrace = 20 * time.Millisecond
	defer func() { CancelGrace = prev }()

	tr := New(1, 0, nil)
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	require.NoError(t, tr.Go("deaf", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	begin := time.Now()
	assert.Equal(t, 1, tr.Drain(ctx))
	assert.Less(t, time.Since(begin), time.Second)
}

func TestTrackerCountsFailuresAndTimeouts(t *testing.T) {
	tr := New(2, 5*time.Millisecond, nil)

	var sawDeadline atomic.Bool
	require.NoError(t, tr.Go("fails", func(context.Context) error { return errors.New("nope") }))
	require.NoError(t, tr.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Equal(t, 0, tr.Drain(ctx))
	assert.Equal(t, int64(2), tr.Failed())
	assert.True(t, sawDeadline.Load())
}
