package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/robotq/internal/domain"
	"github.com/yourorg/robotq/internal/store"
)

var now = time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)

func TestAllocateStoresPendingItem(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	res, err := Allocate(ctx, st, AllocateRequest{
		TrackID: " T1 ",
		Payload: domain.Payload{
			Channel: "facebook",
			Tags:    []string{"b", "a"},
			Data:    []domain.DataItem{{Header: "x", Value: "1"}, {Header: "y", Value: "2"}},
		},
	}, now)
	require.NoError(t, err)
	assert.NotZero(t, res.ID)
	assert.NotEqual(t, uuid.Nil, res.UniqueID)

	item, err := st.WorkItemByUniqueID(ctx, res.UniqueID)
	require.NoError(t, err)
	assert.Equal(t, "T1", item.TrackID)
	assert.Equal(t, []string{"b", "a"}, item.Payload.Tags)
	assert.Equal(t, "y", item.Payload.Data[1].Header)
	assert.Zero(t, item.RetryCount)
	assert.False(t, item.Processed)
	assert.Nil(t, item.AssignedWorkerID)
	assert.Equal(t, now, item.CreatedAt)
}

func TestAllocateValidation(t *testing.T) {
	st := store.NewMemory()
	cases := map[string]struct {
		req   AllocateRequest
		field string
	}{
		"missing track id": {AllocateRequest{Payload: domain.Payload{Channel: "c"}}, "trackId"},
		"missing channel":  {AllocateRequest{TrackID: "T"}, "channel"},
		"blank channel":    {AllocateRequest{TrackID: "T", Payload: domain.Payload{Channel: "  "}}, "channel"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Allocate(context.Background(), st, tc.req, now)
			require.ErrorIs(t, err, domain.ErrValidation)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	stats, err := st.Stats(context.Background(), 3)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestAllocateDuplicateInFlight(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	req := AllocateRequest{TrackID: "T1", Payload: domain.Payload{Channel: "c"}}

	_, err := Allocate(ctx, st, req, now)
	require.NoError(t, err)
	_, err = Allocate(ctx, st, req, now)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = st.Finalize(ctx, &domain.Report{TrackID: "T1"}, now)
	require.NoError(t, err)
	_, err = Allocate(ctx, st, req, now)
	assert.NoError(t, err)
}
