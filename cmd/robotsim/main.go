// cmd/robotsim/main.go: reference worker. Accepts process requests from the
// orchestrator, runs a handler per channel and posts the result back.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/yourorg/robotq/internal/allocation"
	"github.com/yourorg/robotq/internal/domain"
	"github.com/yourorg/robotq/internal/robot"
	"github.com/yourorg/robotq/internal/tasks"
)

var failCount int32

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	addr := getenv("ROBOT_ADDR", ":8081")
	processPath := getenv("DISPATCH_PATH", "/process")
	orchestratorURL := getenv("ORCHESTRATOR_URL", "http://localhost:5000")
	apiToken := getenv("ORCHESTRATOR_TOKEN", "")
	robotToken := getenv("ROBOT_TOKEN", "")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := robot.EnableParentDeathSignal(); err != nil {
		logger.Warn("failed to enable parent-death signal", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	reg := robot.NewRegistry()

	// manual: echoes the phrase back immediately.
	reg.Register("manual", func(ctx context.Context, job *allocation.ProcessRequest) (*robot.Output, error) {
		return &robot.Output{Messages: []string{"echo: " + job.Phrase}}, nil
	})

	// facebook: pretends to drive a browser session for a few seconds.
	reg.Register("facebook", func(ctx context.Context, job *allocation.ProcessRequest) (*robot.Output, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
		return &robot.Output{
			Messages: []string{fmt.Sprintf("posted %q for %s", job.Phrase, job.Customer)},
			Attachments: []domain.Attachment{{
				ID:          fmt.Sprintf("shot-%d", job.QueueID),
				Name:        "screenshot.png",
				ContentType: "image/png",
				URL:         fmt.Sprintf("file:///tmp/robotsim/shot-%d.png", job.QueueID),
			}},
		}, nil
	})

	// flaky: fails the first 2 attempts without reporting, so the
	// orchestrator reclaims and retries it.
	reg.Register("flaky", func(ctx context.Context, job *allocation.ProcessRequest) (*robot.Output, error) {
		n := atomic.AddInt32(&failCount, 1)
		if n <= 2 {
			return nil, fmt.Errorf("transient failure attempt %d", n)
		}
		return &robot.Output{Messages: []string{"succeeded after retries"}}, nil
	})

	// fatal: reports a failed result on the first attempt.
	reg.Register("fatal", func(ctx context.Context, job *allocation.ProcessRequest) (*robot.Output, error) {
		return nil, &robot.FatalError{Cause: errors.New("simulated fatal problem")}
	})

	tracker := tasks.New(1, 2*time.Minute, logger)
	runner := &robot.Runner{
		Registry: reg,
		Sink: &robot.Reporter{
			Client:  &http.Client{Timeout: 30 * time.Second},
			BaseURL: orchestratorURL,
			Token:   apiToken,
		},
		Tasks:  tracker,
		Logger: logger,
		Token:  robotToken,
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           runner.Routes("/" + strings.TrimLeft(processPath, "/")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("robot ready",
		"addr", addr,
		"process_path", processPath,
		"orchestrator", orchestratorURL,
		"channels", reg.Channels())

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP serve error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer drainCancel()
	_ = srv.Shutdown(drainCtx)
	if abandoned := tracker.Drain(drainCtx); abandoned > 0 {
		logger.Warn("shutdown drain timeout; unreported jobs will be reclaimed", "abandoned", abandoned)
	}

	logger.Info("shutdown complete")
}
