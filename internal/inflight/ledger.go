// Package inflight keeps a Redis view of dispatched work items that have not
// reported back yet, and the last published count of exhausted items.
package inflight

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Ledger tracks dispatched assignments. Implementations must make Release
// idempotent.
type Ledger interface {
	Claim(ctx context.Context, workItemID int64) error
	Release(ctx context.Context, workItemID int64) error
	Count(ctx context.Context) (int64, error)
	SetExhausted(ctx context.Context, n int64) error
	Exhausted(ctx context.Context) (int64, error)
}

// Redis stores the ledger in a SET rather than a counter so a double release
// can never push the count negative.
type Redis struct {
	rc *redis.Client
}

func NewRedis(rc *redis.Client) *Redis {
	return &Redis{rc: rc}
}

// Connect parses url and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, err
	}
	return rc, nil
}

func member(workItemID int64) string {
	return strconv.FormatInt(workItemID, 10)
}

func (l *Redis) Claim(ctx context.Context, workItemID int64) error {
	return l.rc.SAdd(ctx, InflightSetKey(), member(workItemID)).Err()
}

// Release is safe to call multiple times; SREM on a missing member is a no-op.
func (l *Redis) Release(ctx context.Context, workItemID int64) error {
	return l.rc.SRem(ctx, InflightSetKey(), member(workItemID)).Err()
}

func (l *Redis) Count(ctx context.Context) (int64, error) {
	return l.rc.SCard(ctx, InflightSetKey()).Result()
}

func (l *Redis) SetExhausted(ctx context.Context, n int64) error {
	return l.rc.Set(ctx, ExhaustedKey(), n, 0).Err()
}

// Exhausted returns 0 when nothing has been published yet.
func (l *Redis) Exhausted(ctx context.Context) (int64, error) {
	v, err := l.rc.Get(ctx, ExhaustedKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Nop is used when no Redis is configured.
type Nop struct{}

func (Nop) Claim(context.Context, int64) error        { return nil }
func (Nop) Release(context.Context, int64) error      { return nil }
func (Nop) Count(context.Context) (int64, error)      { return 0, nil }
func (Nop) SetExhausted(context.Context, int64) error { return nil }
func (Nop) Exhausted(context.Context) (int64, error)  { return 0, nil }

var (
	_ Ledger = (*Redis)(nil)
	_ Ledger = Nop{}
)
