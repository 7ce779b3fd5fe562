package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cvforge/cvforge/internal/adapter/observability"
	"github.com/cvforge/cvforge/internal/config"
	"github.com/cvforge/cvforge/internal/usecase"
)

// ReadinessChecks are the dependency probes behind /readyz. Nil checks
// are skipped, so the server and worker can share the type.
type ReadinessChecks struct {
	DB      func(ctx context.Context) error
	Redis   func(ctx context.Context) error
	Storage func(ctx context.Context) error
	Browser func(ctx context.Context) error
}

// Server aggregates the handler dependencies.
type Server struct {
	Cfg      config.Config
	Keys     KeyResolver
	CVs      usecase.CVService
	Versions usecase.VersionService
	Parsing  usecase.ParsingService
	Optimize usecase.OptimizeService
	Ats      usecase.AtsService
	Gens     usecase.GenerationService
	Jobs     usecase.JobService
	Webhooks usecase.WebhookService
	Checks   ReadinessChecks
}

// Router builds the full route tree with middleware, auth and metrics
// wired.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(SecurityHeaders)
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.Cfg.CORSAllowOrigins, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "X-API-Key", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.HealthzHandler)
	r.Get("/readyz", s.ReadyzHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(v chi.Router) {
		if s.Cfg.RateLimitPerMin > 0 {
			v.Use(httprate.LimitByIP(s.Cfg.RateLimitPerMin, time.Minute))
		}
		v.Use(s.RequireAPIKey)

		v.Route("/cvs", func(c chi.Router) {
			c.Post("/", s.CreateCVHandler)
			c.Get("/", s.ListCVsHandler)
			c.Route("/{cvID}", func(one chi.Router) {
				one.Get("/", s.GetCVHandler)
				one.Patch("/", s.UpdateCVHandler)
				one.Delete("/", s.DeleteCVHandler)
				one.Post("/archive", s.ArchiveCVHandler)
				one.Post("/upload", s.UploadCVHandler)
				one.Route("/versions", func(vs chi.Router) {
					vs.Get("/", s.ListVersionsHandler)
					vs.Get("/compare", s.CompareVersionsHandler)
					vs.Get("/{versionID}", s.GetVersionHandler)
					vs.Delete("/{versionID}", s.DeleteVersionHandler)
					vs.Post("/{versionID}/activate", s.ActivateVersionHandler)
				})
			})
		})

		v.Post("/parsing", s.StartParsingHandler)
		v.Get("/parsing/{jobID}", s.ParsingStatusHandler)
		v.Get("/parsing/{jobID}/result", s.ParsingResultHandler)

		v.Post("/optimizations", s.StartOptimizeHandler)
		v.Get("/optimizations/{jobID}", s.OptimizeStatusHandler)

		v.Post("/ats", s.StartAtsHandler)
		v.Get("/ats/{jobID}", s.AtsResultHandler)

		v.Post("/generations", s.StartGenerationHandler)
		v.Get("/generations/{jobID}", s.GenerationResultHandler)
		v.Get("/generations/{jobID}/download", s.GenerationDownloadHandler)

		v.Get("/jobs", s.ListJobsHandler)
		v.Get("/jobs/{jobID}", s.GetJobHandler)
		v.Post("/jobs/{jobID}/cancel", s.CancelJobHandler)
		v.Post("/jobs/{jobID}/retry", s.RetryJobHandler)

		v.Route("/webhooks", func(w chi.Router) {
			w.Post("/", s.CreateWebhookHandler)
			w.Get("/", s.ListWebhooksHandler)
			w.Post("/deliveries/{deliveryID}/retry", s.RetryDeliveryHandler)
			w.Route("/{webhookID}", func(one chi.Router) {
				one.Get("/", s.GetWebhookHandler)
				one.Patch("/", s.UpdateWebhookHandler)
				one.Delete("/", s.DeleteWebhookHandler)
				one.Post("/test", s.TestWebhookHandler)
				one.Get("/stats", s.WebhookStatsHandler)
				one.Get("/deliveries", s.ListDeliveriesHandler)
				one.Post("/activate", s.ActivateWebhookHandler)
				one.Post("/rotate-secret", s.RotateWebhookSecretHandler)
			})
		})

		v.Route("/admin", func(a chi.Router) {
			a.Get("/queues", s.QueueOverviewHandler)
			a.Post("/queues/{queue}/pause", s.PauseQueueHandler)
			a.Post("/queues/{queue}/resume", s.ResumeQueueHandler)
		})
	})

	return otelhttp.NewHandler(r, "http.server")
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyzHandler probes the wired dependencies with a short deadline and
// reports per-check outcomes.
func (s *Server) ReadyzHandler(w http.ResponseWriter, r *http.Request) {
	checks := map[string]func(context.Context) error{
		"db":      s.Checks.DB,
		"redis":   s.Checks.Redis,
		"storage": s.Checks.Storage,
		"browser": s.Checks.Browser,
	}
	results := make(map[string]string, len(checks))
	ready := true
	for name, check := range checks {
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			ready = false
		} else {
			results[name] = "ok"
		}
		cancel()
	}
	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": results})
}
