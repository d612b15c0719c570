package robot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yourorg/robotq/internal/allocation"
	"github.com/yourorg/robotq/internal/domain"
	"github.com/yourorg/robotq/internal/tasks"
)

// ResultSink receives finished reports.
type ResultSink interface {
	Report(ctx context.Context, report *domain.Report) error
}

// Runner serves the process endpoint. Jobs run on the tracker so the
// orchestrator gets its 202 immediately.
type Runner struct {
	Registry *Registry
	Sink     ResultSink
	Tasks    *tasks.Tracker
	Logger   *slog.Logger
	// Token, when set, must be presented as the bearer on process requests.
	Token string
}

func (rn *Runner) Routes(path string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+path, rn.Process)
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type acceptedResponse struct {
	Message string `json:"message"`
	QueueID int64  `json:"queueId"`
}

func (rn *Runner) Process(w http.ResponseWriter, r *http.Request) {
	if rn.Token != "" {
		scheme, token, _ := strings.Cut(r.Header.Get("Authorization"), " ")
		if !strings.EqualFold(scheme, "Bearer") || token != rn.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	var job allocation.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := rn.Tasks.Go("process", func(ctx context.Context) error {
		return rn.Run(ctx, &job)
	}); err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(acceptedResponse{Message: "accepted", QueueID: job.QueueID})
}

// Run executes job and reports the outcome. A handler error that is not a
// FatalError is returned without reporting.
func (rn *Runner) Run(ctx context.Context, job *allocation.ProcessRequest) error {
	log := rn.Logger.With("queue_id", job.QueueID, "track_id", job.TrackID, "channel", job.Channel)
	log.Info("job started")

	report := &domain.Report{
		TrackID:     job.TrackID,
		Type:        job.OriginType,
		MediaID:     job.MediaID,
		Channel:     job.Channel,
		Messages:    []string{},
		Attachments: []domain.Attachment{},
	}
	if len(job.Tags) > 0 {
		tag := job.Tags[0]
		report.Tag = &tag
	}

	out, err := rn.handle(ctx, job)
	if err != nil {
		var fatal *FatalError
		if !errors.As(err, &fatal) {
			log.Warn("job failed, leaving it for retry", "err", err)
			return err
		}
		msg := err.Error()
		report.HasError = true
		report.ErrorMessage = &msg
		log.Warn("job failed", "err", err)
	} else {
		if out != nil {
			report.Messages = append(report.Messages, out.Messages...)
			report.Attachments = append(report.Attachments, out.Attachments...)
		}
		log.Info("job completed")
	}

	if err := rn.Sink.Report(ctx, report); err != nil {
		log.Error("report failed", "err", err)
		return err
	}
	return nil
}

func (rn *Runner) handle(ctx context.Context, job *allocation.ProcessRequest) (*Output, error) {
	h, err := rn.Registry.Lookup(job.Channel)
	if err != nil {
		return nil, err
	}
	return h(ctx, job)
}
