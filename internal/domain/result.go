package domain

import "time"

// Attachment is a file reference reported by a Worker.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
}

// Report is the raw result body a Worker posts back. It is also the body
// forwarded to the webhook.
type Report struct {
	TrackID      string       `json:"trackId"`
	HasError     bool         `json:"hasError"`
	ErrorMessage *string      `json:"errorMessage,omitempty"`
	Type         string       `json:"type"`
	MediaID      string       `json:"mediaId"`
	Channel      string       `json:"channel"`
	Tag          *string      `json:"tag,omitempty"`
	Messages     []string     `json:"messages"`
	Attachments  []Attachment `json:"attachments"`
}

// Result is the persisted, append-only outcome of a WorkItem.
type Result struct {
	ID                  int64
	WorkItemID          int64
	ProcessedByWorkerID *int64
	HasError            bool
	ErrorMessage        *string
	TrackID             string
	Type                string
	MediaID             string
	Channel             string
	Tag                 *string
	ReceivedAt          time.Time
	Messages            []string
	Attachments         []Attachment
}

// NewResult builds the row to persist for report against item.
func NewResult(item *WorkItem, r *Report, now time.Time) *Result {
	res := &Result{
		WorkItemID:          item.ID,
		ProcessedByWorkerID: item.AssignedWorkerID,
		HasError:            r.HasError,
		ErrorMessage:        r.ErrorMessage,
		TrackID:             r.TrackID,
		Type:                r.Type,
		MediaID:             r.MediaID,
		Channel:             r.Channel,
		Tag:                 r.Tag,
		ReceivedAt:          now,
		Messages:            append([]string(nil), r.Messages...),
		Attachments:         append([]Attachment(nil), r.Attachments...),
	}
	return res
}

// Finalized is returned by a successful result ingestion.
type Finalized struct {
	Result   *Result
	WorkerID *int64
}

// PurgeStats counts rows removed by one retention pass.
type PurgeStats struct {
	Results   int64
	WorkItems int64
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Pending          int64 `json:"pending"`
	Assigned         int64 `json:"assigned"`
	Processed        int64 `json:"processed"`
	Failed           int64 `json:"failed"`
	Exhausted        int64 `json:"exhausted"`
	WorkersAvailable int64 `json:"workersAvailable"`
	WorkersBusy      int64 `json:"workersBusy"`
	Inflight         int64 `json:"inflight"`
	// ExhaustedAtSweep is the exhausted count the timeout reaper last
	// published.
	ExhaustedAtSweep int64 `json:"exhaustedAtSweep"`
}
