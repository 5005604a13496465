package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks total number of HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "code"},
	)

	// RequestDuration tracks request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "budget_http_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// ActiveRequests tracks currently active requests
	ActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "budget_http_active_requests",
			Help: "Number of active HTTP requests",
		},
		[]string{"route"},
	)

	// EnrichmentBatchesTotal counts classification batches by outcome
	EnrichmentBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_enrichment_batches_total",
			Help: "Total number of enrichment batches by result",
		},
		[]string{"result"},
	)

	// OracleCallDuration tracks classification call duration
	OracleCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "budget_oracle_call_duration_seconds",
			Help:    "Classification model call duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	// ActiveEnrichmentRuns tracks background enrichment runs in flight
	ActiveEnrichmentRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "budget_enrichment_active_runs",
			Help: "Number of active background enrichment runs",
		},
	)
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware collects Prometheus metrics for every request, keyed by
// the mux route pattern so path parameters do not explode cardinality.
func MetricsMiddleware(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, route := mux.Handler(req)
		if route == "" {
			route = "unmatched"
		}

		ActiveRequests.WithLabelValues(route).Inc()
		defer ActiveRequests.WithLabelValues(route).Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, req)

		RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(route, req.Method, strconv.Itoa(rec.status)).Inc()
	})
}
