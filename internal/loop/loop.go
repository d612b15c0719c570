// Package loop runs a function on a fixed cadence until its context ends.
package loop

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// FailureThreshold is the number of consecutive failed ticks after which the
// cadence starts backing off.
const FailureThreshold = 3

// MaxBackoff caps the delay between failing ticks for loops whose interval
// is well below it. Longer loops cap at twice their interval instead.
const MaxBackoff = time.Hour

type Options struct {
	Name     string
	Interval time.Duration
	// Immediate runs the first tick as soon as Run is called instead of after
	// one Interval.
	Immediate bool
	Logger    *slog.Logger
}

// Run calls fn every opts.Interval until ctx is canceled. A failing tick is
// logged and never stops the loop. After FailureThreshold consecutive
// failures the wait grows exponentially with jitter and resets to
// opts.Interval on the next success.
func Run(ctx context.Context, opts Options, fn func(ctx context.Context) error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("loop", opts.Name)

	delay := opts.Interval
	if opts.Immediate {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			next := NextDelay(opts.Interval, failures)
			logger.Error("tick failed",
				"err", err,
				"consecutive_failures", failures,
				"next_in", next)
			timer.Reset(next)
			continue
		}
		if failures > 0 {
			logger.Info("tick recovered", "after_failures", failures)
		}
		failures = 0
		timer.Reset(opts.Interval)
	}
}

// NextDelay returns how long to wait after the given number of consecutive
// failures.
func NextDelay(interval time.Duration, failures int) time.Duration {
	if failures < FailureThreshold {
		return interval
	}
	return Backoff(interval, failures-FailureThreshold+1)
}

// Backoff returns base doubled attempt times with ±25% jitter, capped at
// the larger of MaxBackoff and twice base. The result is never below base.
// The exponent is capped at 20 to prevent overflow.
func Backoff(base time.Duration, attempt int) time.Duration {
	shift := attempt
	if shift > 20 {
		shift = 20
	}
	limit := max(MaxBackoff, 2*base)
	d := base * time.Duration(1<<shift)
	if d > limit || d <= 0 {
		d = limit
	}
	if d >= 4 {
		d += time.Duration(rand.Int63n(int64(d/2))) - d/4
	}
	return max(d, base)
}
