package allocation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/yourorg/robotq/internal/domain"
	"github.com/yourorg/robotq/internal/tracing"
)

// Dispatcher delivers a claimed work item to its worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, w *domain.Worker, item *domain.WorkItem) error
}

// ProcessRequest is the body a worker receives on its process endpoint.
type ProcessRequest struct {
	QueueID int64  `json:"queueId"`
	TrackID string `json:"trackId"`
	domain.Payload
}

func NewProcessRequest(item *domain.WorkItem) ProcessRequest {
	p := item.Payload
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.Data == nil {
		p.Data = []domain.DataItem{}
	}
	return ProcessRequest{QueueID: item.ID, TrackID: item.TrackID, Payload: p}
}

// HTTPDispatcher posts a ProcessRequest to EndpointURL + Path, with the
// worker's auth token as bearer when it has one.
type HTTPDispatcher struct {
	Client *http.Client
	Path   string
}

func NewHTTPDispatcher(client *http.Client, path string) *HTTPDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if path == "" {
		path = "/process"
	}
	return &HTTPDispatcher{Client: client, Path: path}
}

// ProcessURL joins the worker endpoint and the process path with exactly one
// slash between them.
func ProcessURL(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + "/" + strings.TrimLeft(path, "/")
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, w *domain.Worker, item *domain.WorkItem) (err error) {
	ctx, span := tracing.StartSpan(ctx, "allocation.dispatch", tracing.KindClient)
	span.WithInt("work_item_id", item.ID).WithInt("worker_id", w.ID)
	defer func() { tracing.EndSpan(span, err) }()

	body, err := json.Marshal(NewProcessRequest(item))
	if err != nil {
		return fmt.Errorf("encode process request: %w", err)
	}
	url := ProcessURL(w.EndpointURL, d.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build process request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.AuthToken != nil && *w.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+*w.AuthToken)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}
