// Command worker runs the job engine: it leases parsing, optimization,
// ATS, generation, and webhook delivery jobs from the Redis queues and
// drives the registered processors. The HTTP API lives in cmd/server.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/cvforge/cvforge/internal/adapter/ai"
	"github.com/cvforge/cvforge/internal/adapter/browser"
	"github.com/cvforge/cvforge/internal/adapter/docgen"
	"github.com/cvforge/cvforge/internal/adapter/extract"
	"github.com/cvforge/cvforge/internal/adapter/observability"
	"github.com/cvforge/cvforge/internal/adapter/queue/redisq"
	"github.com/cvforge/cvforge/internal/adapter/repo/postgres"
	"github.com/cvforge/cvforge/internal/adapter/storage"
	"github.com/cvforge/cvforge/internal/config"
	"github.com/cvforge/cvforge/internal/engine"
	"github.com/cvforge/cvforge/internal/processor"
	"github.com/cvforge/cvforge/internal/usecase"
	"github.com/cvforge/cvforge/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings() {
		slog.Warn("config warning", slog.String("detail", w))
	}

	// The worker exposes its own /metrics endpoint so queue and job
	// instrumentation is scrapeable independently of the API server.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		srv := &http.Server{Addr: ":9090", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	aicl, err := ai.New(ctx, cfg, rdb)
	if err != nil {
		slog.Error("ai client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	prompts := aicl.Prompts()

	extractor := extract.New()
	browserRenderer := browser.New(cfg)
	defer func() { _ = browserRenderer.Close() }()
	docRenderer, err := docgen.New()
	if err != nil {
		slog.Error("document renderer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	broker := redisq.New(rdb, redisq.DefaultDedupTTL)
	eng := engine.New(jobRepo, broker, cfg, logger)

	// Token buckets for throttled queues. The worker.admit key shape is
	// "queue:<name>".
	buckets := make(map[string]redisq.BucketConfig)
	for name, tuning := range cfg.Queues() {
		if tuning.RateLimitMax > 0 {
			buckets["queue:"+name] = redisq.BucketFromWindow(tuning.RateLimitMax, tuning.RateLimitWindow)
		}
	}
	limiter := redisq.NewLimiter(rdb, buckets)

	// Retention rides the worker so the trim cadence scales with job
	// processing, not API traffic.
	cleanup := postgres.NewCleanupService(jobRepo, deliveryRepo, postgres.RetentionPolicy{
		CompletedJobs: cfg.CompletedJobRetention,
		FailedJobs:    cfg.FailedJobRetention,
		WebhookJobs:   cfg.WebhookJobRetention,
		Deliveries:    cfg.DeliveryRetention,
	})
	go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)

	// Terminal job events fan out to webhook deliveries through the
	// dispatcher, which enqueues webhook_delivery jobs on this same engine.
	dispatcher := webhook.NewDispatcher(webhookRepo, deliveryRepo, eng, logger)

	snapshots := usecase.NewVersionService(versionRepo, cvRepo)

	worker := engine.NewWorker(eng, limiter, dispatcher, logger)
	worker.Register(processor.NewParsing(cvRepo, parseRepo, store, extractor, aicl, prompts, snapshots))
	worker.Register(processor.NewOptimize(versionRepo, userRepo, aicl, prompts, snapshots))
	worker.Register(processor.NewAts(atsRepo, aicl, prompts))
	worker.Register(processor.NewGeneration(genRepo, docRenderer, browserRenderer, store))
	worker.Register(webhook.NewSender(webhookRepo, deliveryRepo, nil))

	// Blocks until the signal context is cancelled and every in-flight
	// job has returned.
	worker.Run(ctx)
	slog.Info("worker stopped")
}
