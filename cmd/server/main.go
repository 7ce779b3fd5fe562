// Command server starts the CVForge HTTP API: CV and version CRUD,
// pipeline job submission, webhook management, and the admin queue
// surface. Job execution lives in cmd/worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cvforge/cvforge/internal/adapter/httpserver"
	"github.com/cvforge/cvforge/internal/adapter/observability"
	"github.com/cvforge/cvforge/internal/adapter/queue/redisq"
	"github.com/cvforge/cvforge/internal/adapter/repo/postgres"
	"github.com/cvforge/cvforge/internal/adapter/storage"
	"github.com/cvforge/cvforge/internal/config"
	"github.com/cvforge/cvforge/internal/engine"
	"github.com/cvforge/cvforge/internal/usecase"
	"github.com/cvforge/cvforge/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings() {
		slog.Warn("config warning", slog.String("detail", w))
	}

	// Register Prometheus metrics once per process so /metrics exposes
	// HTTP and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.NewMigrator(pool).Run(ctx); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	// Repositories
	userRepo := postgres.NewUserRepo(pool)
	cvRepo := postgres.NewCVRepo(pool)
	versionRepo := postgres.NewVersionRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	parseRepo := postgres.NewParsingJobRepo(pool)
	atsRepo := postgres.NewAtsRepo(pool)
	genRepo := postgres.NewGenerationRepo(pool)
	webhookRepo := postgres.NewWebhookRepo(pool)
	deliveryRepo := postgres.NewDeliveryRepo(pool)

	store, err := storage.New(ctx, &cfg)
	if err != nil {
		slog.Error("storage init failed", slog.Any("error", err))
		os.Exit(1)
	}

	broker := redisq.New(rdb, redisq.DefaultDedupTTL)
	eng := engine.New(jobRepo, broker, cfg, logger)
	dispatcher := webhook.NewDispatcher(webhookRepo, deliveryRepo, eng, logger)

	if cfg.IsDev() {
		if err := seedDevUser(ctx, pool, cfg.APIKeyPepper); err != nil {
			slog.Warn("dev user seeding failed", slog.Any("error", err))
		}
	}

	srv := &httpserver.Server{
		Cfg:      cfg,
		Keys:     userRepo,
		CVs:      usecase.NewCVService(cvRepo, store, cfg.MaxUploadMB),
		Versions: usecase.NewVersionService(versionRepo, cvRepo),
		Parsing:  usecase.NewParsingService(eng, jobRepo, cvRepo, parseRepo, userRepo),
		Optimize: usecase.NewOptimizeService(eng, jobRepo, cvRepo, versionRepo, userRepo),
		Ats:      usecase.NewAtsService(eng, jobRepo, cvRepo, atsRepo, userRepo),
		Gens:     usecase.NewGenerationService(eng, jobRepo, cvRepo, versionRepo, genRepo, userRepo, store),
		Jobs:     usecase.NewJobService(eng, jobRepo, broker),
		Webhooks: usecase.NewWebhookService(eng, webhookRepo, deliveryRepo, dispatcher, cfg.WebhookMaxPerUser),
		Checks: httpserver.ReadinessChecks{
			DB:    pool.Ping,
			Redis: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			Storage: func(ctx context.Context) error {
				_, err := store.Exists(ctx, "readyz-probe")
				return err
			},
		},
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
