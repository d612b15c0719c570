// cmd/server/main.go: HTTP API, gRPC health, scheduler and reapers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/yourorg/robotq/internal/allocation"
	"github.com/yourorg/robotq/internal/api"
	"github.com/yourorg/robotq/internal/config"
	"github.com/yourorg/robotq/internal/db"
	"github.com/yourorg/robotq/internal/grpcserver"
	"github.com/yourorg/robotq/internal/inflight"
	"github.com/yourorg/robotq/internal/ingest"
	"github.com/yourorg/robotq/internal/metrics"
	"github.com/yourorg/robotq/internal/migrate"
	"github.com/yourorg/robotq/internal/reaper"
	"github.com/yourorg/robotq/internal/store"
	"github.com/yourorg/robotq/internal/tasks"
	"github.com/yourorg/robotq/internal/tracing"
	"github.com/yourorg/robotq/internal/webhook"
)

const version = "1.0.0"

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func main() {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("load config failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := tracing.Init("robotq", version, cfg.TraceOutput); err != nil {
		logger.Error("init tracing failed", "err", err)
		os.Exit(1)
	}

	var st store.Store
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; data is lost on exit")
		st = store.NewMemory()
	default:
		logger.Info("connecting to database")
		pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			logger.Error("connect to database failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connected")

		if err := migrate.Run(ctx, pool, logger); err != nil {
			logger.Error("run migrations failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgres(pool)
	}

	var ledger inflight.Ledger = inflight.Nop{}
	if cfg.RedisURL != "" {
		logger.Info("connecting to redis")
		rc, err := inflight.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("redis connect failed", "err", err)
			os.Exit(1)
		}
		defer rc.Close()
		logger.Info("redis connected")
		ledger = inflight.NewRedis(rc)
	}

	m, err := metrics.New(nil)
	if err != nil {
		logger.Error("register metrics failed", "err", err)
		os.Exit(1)
	}

	tracker := tasks.New(cfg.TaskConcurrency, cfg.DispatchTimeout, logger)

	dispatcher := allocation.NewHTTPDispatcher(&http.Client{}, cfg.DispatchPath)
	scheduler := allocation.NewScheduler(st, dispatcher, tracker, ledger, m, logger, allocation.Options{
		Interval:         cfg.AllocationInterval,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		MaxClaimsPerTick: cfg.MaxClaimsPerTick,
	})
	timeouts := reaper.NewTimeout(st, ledger, m, logger, reaper.TimeoutOptions{
		Interval:           cfg.QueueTimeoutCheckInterval,
		QueueTimeout:       cfg.QueueTimeout,
		WorkerClaimTimeout: cfg.WorkerClaimTimeout,
		MaxRetryAttempts:   cfg.MaxRetryAttempts,
	})
	retention := reaper.NewRetention(st, m, logger, reaper.RetentionOptions{
		Interval:      cfg.RetentionInterval,
		RetentionDays: cfg.DataRetentionDays,
	})

	relay := webhook.NewRelay(&http.Client{}, m, logger, webhook.Options{
		URL:         cfg.WebhookURL,
		BearerToken: cfg.WebhookBearerToken,
		Timeout:     cfg.WebhookTimeout,
	})
	if !relay.Enabled() {
		logger.Warn("webhook url not set; results will not be forwarded")
	}
	results := ingest.NewService(st, ledger, relay, tracker, m, logger)

	handlers := &api.Handlers{
		Store:            st,
		Results:          results,
		Ledger:           ledger,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		Logger:           logger.With("component", "api"),
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	health := grpcserver.New(st, logger)
	grpcSrv := grpcserver.NewGRPCServer(health)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Error("listen failed", "port", cfg.GRPCPort, "err", err)
		os.Exit(1)
	}

	logger.Info("gRPC server listening", "port", cfg.GRPCPort)
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC serve error", "err", err)
		}
	}()
	logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP serve error", "err", err)
			cancel()
		}
	}()

	loopsDone := make(chan struct{}, 4)
	for _, run := range []func(context.Context){
		scheduler.Run,
		timeouts.Run,
		retention.Run,
		func(ctx context.Context) { health.Run(ctx, 15*time.Second) },
	} {
		go func(run func(context.Context)) {
			run(ctx)
			loopsDone <- struct{}{}
		}(run)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	health.Shutdown()

	shCtx, shCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shCancel()
	if err := httpSrv.Shutdown(shCtx); err != nil {
		logger.Error("HTTP shutdown failed", "err", err)
	}
	for i := 0; i < 4; i++ {
		<-loopsDone
	}
	if abandoned := tracker.Drain(shCtx); abandoned > 0 {
		logger.Warn("background tasks abandoned", "count", abandoned)
	}
	grpcSrv.GracefulStop()
	if err := tracing.Shutdown(context.Background()); err != nil {
		logger.Warn("tracing shutdown failed", "err", err)
	}
	logger.Info("server stopped")
}
