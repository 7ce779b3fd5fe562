package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and task",
		},
		[]string{"provider", "task", "outcome"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"provider", "task"},
	)
	AITokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Total prompt and completion tokens by provider and task",
		},
		[]string{"provider", "task", "kind"},
	)
	AIRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_response_repairs_total",
			Help: "JSON response repair attempts by outcome",
		},
		[]string{"outcome"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"queue"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of job retries scheduled",
		},
		[]string{"queue"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"queue"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Jobs per queue and broker state",
		},
		[]string{"queue", "state"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)
	WebhookDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Webhook endpoint response time in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
		},
	)
	WebhooksSuspendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhooks_suspended_total",
			Help: "Webhooks suspended after consecutive delivery failures",
		},
	)

	CircuitBreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name", "operation"},
	)

	// Outcome distributions
	AtsScoreHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ats_overall_score",
			Help:    "Distribution of ATS overall scores ([0,100])",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"model"},
	)
	ParseConfidenceHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parse_confidence",
			Help:    "Distribution of parsing confidence (fraction [0,1])",
			Buckets: []float64{0, 0.2, 0.4, 0.6, 0.8, 1.0},
		},
	)
	AtsScoreDrift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ats_score_drift",
			Help: "Absolute drift of recent ATS scores from the model baseline",
		},
		[]string{"metric", "model"},
	)
)

var initMetricsOnce sync.Once

// InitMetrics registers every collector exactly once; both the server and
// worker entrypoints call it.
func InitMetrics() {
	initMetricsOnce.Do(registerMetrics)
}

func registerMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AITokensTotal)
	prometheus.MustRegister(AIRepairsTotal)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WebhookDeliveriesTotal)
	prometheus.MustRegister(WebhookDeliveryDuration)
	prometheus.MustRegister(WebhooksSuspendedTotal)
	prometheus.MustRegister(CircuitBreakerStateGauge)
	prometheus.MustRegister(AtsScoreHistogram)
	prometheus.MustRegister(ParseConfidenceHistogram)
	prometheus.MustRegister(AtsScoreDrift)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(queue string) {
	JobsEnqueuedTotal.WithLabelValues(queue).Inc()
}

func StartProcessingJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Inc()
}

func CompleteJob(queue string, dur time.Duration) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsCompletedTotal.WithLabelValues(queue).Inc()
	JobDuration.WithLabelValues(queue).Observe(dur.Seconds())
}

func FailJob(queue string, dur time.Duration) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsFailedTotal.WithLabelValues(queue).Inc()
	JobDuration.WithLabelValues(queue).Observe(dur.Seconds())
}

func RetryJob(queue string) {
	JobsRetriedTotal.WithLabelValues(queue).Inc()
}

// SetQueueDepth publishes broker gauge values; state is one of waiting,
// delayed, leased, paused.
func SetQueueDepth(queue, state string, n int64) {
	QueueDepth.WithLabelValues(queue, state).Set(float64(n))
}

// RecordAIRequest records one provider call with its duration and outcome.
func RecordAIRequest(provider, task string, dur time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	AIRequestsTotal.WithLabelValues(provider, task, outcome).Inc()
	AIRequestDuration.WithLabelValues(provider, task).Observe(dur.Seconds())
}

// AddAITokens accumulates prompt and completion token usage.
func AddAITokens(provider, task string, prompt, completion int) {
	if prompt > 0 {
		AITokensTotal.WithLabelValues(provider, task, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		AITokensTotal.WithLabelValues(provider, task, "completion").Add(float64(completion))
	}
}

// RecordRepair records one JSON repair pass; outcome is parsed, repaired,
// reprompted, or failed.
func RecordRepair(outcome string) {
	AIRepairsTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhookDelivery records one delivery attempt; outcome is success,
// failed, or exhausted.
func RecordWebhookDelivery(outcome string, dur time.Duration) {
	WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
	WebhookDeliveryDuration.Observe(dur.Seconds())
}

func RecordWebhookSuspended() {
	WebhooksSuspendedTotal.Inc()
}

// RecordCircuitBreakerStatus publishes a breaker state transition.
func RecordCircuitBreakerStatus(name, operation string, state int) {
	CircuitBreakerStateGauge.WithLabelValues(name, operation).Set(float64(state))
}

// ObserveAtsScore records a completed analysis score and feeds the drift
// monitor for the model that produced it.
func ObserveAtsScore(model string, score float64) {
	if score >= 0 && score <= 100 {
		AtsScoreHistogram.WithLabelValues(model).Observe(score)
		RecordAnalysisScore("overall", model, score)
	}
}

// ObserveParseConfidence records the confidence of a completed parse.
func ObserveParseConfidence(confidence float64) {
	if confidence >= 0 && confidence <= 1 {
		ParseConfidenceHistogram.Observe(confidence)
	}
}
