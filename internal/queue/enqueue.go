// Package queue accepts new work items.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yourorg/robotq/internal/domain"
	"github.com/yourorg/robotq/internal/store"
)

// AllocateRequest is the body of an allocate call.
type AllocateRequest struct {
	TrackID string `json:"trackId"`
	domain.Payload
}

// AllocateResult identifies the stored work item.
type AllocateResult struct {
	ID       int64     `json:"id"`
	UniqueID uuid.UUID `json:"uniqueId"`
}

// Validate trims identifiers and checks the mandatory fields.
func (r *AllocateRequest) Validate() error {
	r.TrackID = strings.TrimSpace(r.TrackID)
	r.Channel = strings.TrimSpace(r.Channel)
	if r.TrackID == "" {
		return domain.Required("trackId")
	}
	if r.Channel == "" {
		return domain.Required("channel")
	}
	return nil
}

// Allocate stores a new pending work item. A track id that already has an
// unprocessed work item is rejected with domain.ErrConflict; once the earlier
// item is finalized the same track id may be queued again.
func Allocate(ctx context.Context, st store.Store, req AllocateRequest, now time.Time) (AllocateResult, error) {
	if err := req.Validate(); err != nil {
		return AllocateResult{}, err
	}

	payload := req.Payload
	if payload.Tags == nil {
		payload.Tags = []string{}
	}
	if payload.Data == nil {
		payload.Data = []domain.DataItem{}
	}
	item := &domain.WorkItem{TrackID: req.TrackID, Payload: payload}
	if err := st.CreateWorkItem(ctx, item, now); err != nil {
		return AllocateResult{}, fmt.Errorf("allocate %q: %w", req.TrackID, err)
	}
	return AllocateResult{ID: item.ID, UniqueID: item.UniqueID}, nil
}
