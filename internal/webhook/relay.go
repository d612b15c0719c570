// Package webhook forwards finalized results to a downstream system.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/yourorg/robotq/internal/domain"
	"github.com/yourorg/robotq/internal/metrics"
	"github.com/yourorg/robotq/internal/tracing"
)

type Options struct {
	URL         string
	BearerToken string
	Timeout     time.Duration
}

// Relay makes exactly one POST per result. There is no retry and no
// dead-letter; a failed forward is logged and lost.
type Relay struct {
	client  *http.Client
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRelay(client *http.Client, m *metrics.Metrics, logger *slog.Logger, opts Options) *Relay {
	if client == nil {
		client = &http.Client{}
	}
	return &Relay{
		client:  client,
		opts:    opts,
		metrics: m,
		logger:  logger.With("component", "webhook"),
	}
}

// Enabled reports whether a destination URL is configured.
func (r *Relay) Enabled() bool { return r.opts.URL != "" }

func (r *Relay) ForwardResult(ctx context.Context, report *domain.Report) (err error) {
	if !r.Enabled() {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "webhook.forward", tracing.KindClient)
	span.WithAttributes(map[string]string{"track_id": report.TrackID})
	defer func() {
		if err != nil && r.metrics != nil {
			r.metrics.WebhookFailures.Add(ctx, 1)
		}
		tracing.EndSpan(span, err)
	}()

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.opts.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.opts.BearerToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post webhook: unexpected status %d", resp.StatusCode)
	}
	r.logger.Info("result forwarded", "track_id", report.TrackID, "status", resp.StatusCode)
	return nil
}
