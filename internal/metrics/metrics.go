package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wabroadcast_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wabroadcast_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	campaignsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wabroadcast_campaigns_started_total",
			Help: "Campaign start and resume calls that succeeded",
		},
	)

	campaignsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wabroadcast_campaigns_finished_total",
			Help: "Campaigns reaching a terminal status",
		},
		[]string{"status"},
	)

	rowsMaterialized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wabroadcast_rows_materialized_total",
			Help: "Queue rows created by campaign starts",
		},
	)

	schedulerRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wabroadcast_scheduler_rows_total",
			Help: "Due rows seen by the scheduler by outcome",
		},
		[]string{"outcome"},
	)

	schedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wabroadcast_scheduler_tick_duration_seconds",
			Help:    "Time spent in one scheduler tick",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	sweepReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wabroadcast_sweep_reclaimed_total",
			Help: "Stale processing rows returned to queued",
		},
	)

	sendsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wabroadcast_sends_processed_total",
			Help: "Send attempts by resulting row status",
		},
		[]string{"status"},
	)

	transportLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wabroadcast_transport_latency_seconds",
			Help:    "WhatsApp transport call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	dispatchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wabroadcast_dispatch_messages_in_flight",
			Help: "Dispatch messages currently being processed",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wabroadcast_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wabroadcast_rate_limit_rejections_total",
			Help: "Rate limiter denials by limiter",
		},
		[]string{"limiter"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wabroadcast_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordCampaignStarted() {
	campaignsStarted.Inc()
}

// RecordCampaignFinished records a campaign reaching completed or failed
func RecordCampaignFinished(status string) {
	campaignsFinished.WithLabelValues(status).Inc()
}

func RecordRowsMaterialized(n int) {
	rowsMaterialized.Add(float64(n))
}

// RecordSchedulerRows adds n rows to a scheduler outcome
// (dispatched, rate_limited, skipped, deferred, failed)
func RecordSchedulerRows(outcome string, n int) {
	if n <= 0 {
		return
	}
	schedulerRows.WithLabelValues(outcome).Add(float64(n))
}

func RecordSchedulerTick(duration time.Duration) {
	schedulerTickDuration.Observe(duration.Seconds())
}

func RecordSweepReclaimed(n int64) {
	sweepReclaimed.Add(float64(n))
}

// RecordSendProcessed records the row status a send attempt resolved to
func RecordSendProcessed(status string) {
	sendsProcessed.WithLabelValues(status).Inc()
}

func RecordTransportLatency(latency time.Duration) {
	transportLatency.Observe(latency.Seconds())
}

// SetDispatchInFlight sets the current in-flight message count
func SetDispatchInFlight(count int) {
	dispatchInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a denial from the api or send limiter
func RecordRateLimitRejection(limiter string) {
	rateLimitRejections.WithLabelValues(limiter).Inc()
}

func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Paths are
// labelled by chi route pattern so IDs do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
