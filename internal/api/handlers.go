// Package api serves the orchestrator's HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/yourorg/robotq/internal/domain"
	"github.com/yourorg/robotq/internal/inflight"
	"github.com/yourorg/robotq/internal/queue"
	"github.com/yourorg/robotq/internal/store"
)

const maxBodyBytes = 1 << 20

// ResultProcessor finalizes worker reports.
type ResultProcessor interface {
	ProcessResult(ctx context.Context, report *domain.Report) (*domain.Finalized, error)
}

type Handlers struct {
	Store            store.Store
	Results          ResultProcessor
	Ledger           inflight.Ledger
	MaxRetryAttempts int
	Logger           *slog.Logger
	Now              func() time.Time
}

// Routes registers every endpoint behind the token gate.
func (h *Handlers) Routes() http.Handler {
	if h.Now == nil {
		h.Now = func() time.Time { return time.Now().UTC() }
	}
	if h.Ledger == nil {
		h.Ledger = inflight.Nop{}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /allocate", h.Allocate)
	mux.HandleFunc("POST /api/rpa/allocate", h.Allocate)
	mux.HandleFunc("POST /result", h.Result)
	mux.HandleFunc("POST /api/rpa/result", h.Result)
	mux.HandleFunc("GET /workitems/{uniqueId}", h.WorkItem)
	mux.HandleFunc("GET /stats", h.Stats)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /docs", Docs)
	mux.HandleFunc("GET /docs/openapi.yaml", Docs)
	return withTracing(TokenGate(h.Store, h.Logger, mux))
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Message: fmt.Sprintf("invalid json: %v", err)}
	}
	return nil
}

func (h *Handlers) Allocate(w http.ResponseWriter, r *http.Request) {
	var req queue.AllocateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	res, err := queue.Allocate(r.Context(), h.Store, req, h.Now())
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.Logger.Info("work item queued",
		"work_item_id", res.ID,
		"unique_id", res.UniqueID,
		"track_id", req.TrackID,
		"channel", req.Channel)
	writeJSON(w, http.StatusCreated, res)
}

type resultResponse struct {
	WorkItemID int64 `json:"workItemId"`
	ResultID   int64 `json:"resultId"`
}

func (h *Handlers) Result(w http.ResponseWriter, r *http.Request) {
	var report domain.Report
	if err := decode(w, r, &report); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	fin, err := h.Results.ProcessResult(r.Context(), &report)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{WorkItemID: fin.Result.WorkItemID, ResultID: fin.Result.ID})
}

// Work item states reported by the status endpoint.
const (
	StatusPending   = "pending"
	StatusAssigned  = "assigned"
	StatusExhausted = "exhausted"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

func itemStatus(it *domain.WorkItem, maxRetries int) string {
	switch {
	case it.Processed && it.HasError:
		return StatusFailed
	case it.Processed:
		return StatusCompleted
	case it.AssignedWorkerID != nil:
		return StatusAssigned
	case it.RetryCount >= maxRetries:
		return StatusExhausted
	}
	return StatusPending
}

type attemptView struct {
	Attempt    int        `json:"attempt"`
	WorkerID   int64      `json:"workerId"`
	ClaimedAt  time.Time  `json:"claimedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Outcome    *string    `json:"outcome,omitempty"`
}

type workItemView struct {
	ID               int64         `json:"id"`
	UniqueID         uuid.UUID     `json:"uniqueId"`
	TrackID          string        `json:"trackId"`
	Status           string        `json:"status"`
	RetryCount       int           `json:"retryCount"`
	AssignedWorkerID *int64        `json:"assignedWorkerId,omitempty"`
	HasError         bool          `json:"hasError"`
	ErrorMessage     *string       `json:"errorMessage,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	Attempts         []attemptView `json:"attempts"`
}

func (h *Handlers) WorkItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("uniqueId"))
	if err != nil {
		writeError(w, h.Logger, &domain.ValidationError{Field: "uniqueId", Message: "must be a uuid"})
		return
	}
	item, err := h.Store.WorkItemByUniqueID(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	attempts, err := h.Store.ListAttempts(r.Context(), item.ID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}

	view := workItemView{
		ID:               item.ID,
		UniqueID:         item.UniqueID,
		TrackID:          item.TrackID,
		Status:           itemStatus(item, h.MaxRetryAttempts),
		RetryCount:       item.RetryCount,
		AssignedWorkerID: item.AssignedWorkerID,
		HasError:         item.HasError,
		ErrorMessage:     item.ErrorMessage,
		CreatedAt:        item.CreatedAt,
		UpdatedAt:        item.UpdatedAt,
		Attempts:         make([]attemptView, 0, len(attempts)),
	}
	for _, a := range attempts {
		view.Attempts = append(view.Attempts, attemptView{
			Attempt:    a.Attempt,
			WorkerID:   a.WorkerID,
			ClaimedAt:  a.ClaimedAt,
			FinishedAt: a.FinishedAt,
			Outcome:    a.Outcome,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.Stats(r.Context(), h.MaxRetryAttempts)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	n, err := h.Ledger.Count(r.Context())
	if err != nil {
		h.Logger.Warn("inflight count failed", "err", err)
	}
	stats.Inflight = n
	if stats.ExhaustedAtSweep, err = h.Ledger.Exhausted(r.Context()); err != nil {
		h.Logger.Warn("exhausted gauge read failed", "err", err)
	}
	writeJSON(w, http.StatusOK, stats)
}

type healthResponse struct {
	Status string `json:"status"`
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		h.Logger.Warn("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy"})
}
