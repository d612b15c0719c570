package domain

import (
	"time"

	"github.com/google/uuid"
)

// DataItem is one header/value pair carried in a WorkItem payload.
type DataItem struct {
	Header string `json:"header"`
	Value  string `json:"value"`
}

// Payload is the opaque job description handed to a Worker on dispatch.
type Payload struct {
	AiConfig   string     `json:"aiConfig"`
	BridgeKey  string     `json:"bridgeKey"`
	OriginType string     `json:"originType"`
	MediaID    string     `json:"mediaId"`
	Customer   string     `json:"customer"`
	Channel    string     `json:"channel"`
	Phrase     string     `json:"phrase"`
	Tags       []string   `json:"tags"`
	Data       []DataItem `json:"data"`
}

// WorkItem is a queued automation job. AssignedWorkerID is set only while
// the item is claimed and unprocessed.
type WorkItem struct {
	ID               int64
	UniqueID         uuid.UUID
	TrackID          string
	Payload          Payload
	CreatedAt        time.Time
	UpdatedAt        time.Time
	AssignedWorkerID *int64
	RetryCount       int
	Processed        bool
	HasError         bool
	ErrorMessage     *string
}

// Worker is a remote automation agent.
type Worker struct {
	ID             int64
	Name           string
	EndpointURL    string
	Available      bool
	LastAssignedAt *time.Time
	AuthToken      *string
	CreatedAt      time.Time
}

// Token is a bearer credential accepted by the API.
type Token struct {
	ID        int64
	Name      string
	Value     string
	CreatedAt time.Time
}

// Claim is the pair bound together by one scheduler claim.
type Claim struct {
	WorkItem *WorkItem
	Worker   *Worker
}

// Reclaim describes one WorkItem released by the timeout reaper.
type Reclaim struct {
	WorkItemID int64
	TrackID    string
	WorkerID   int64
	RetryCount int
}

// Attempt outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

// Attempt is one claim of a WorkItem by a Worker.
type Attempt struct {
	ID         int64
	WorkItemID int64
	WorkerID   int64
	Attempt    int
	ClaimedAt  time.Time
	FinishedAt *time.Time
	Outcome    *string
}
