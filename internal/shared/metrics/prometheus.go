package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Evidence metrics
	evidenceUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_uploads_total",
			Help: "Total number of evidence records created",
		},
		[]string{"category"},
	)

	evidenceUploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evidence_upload_bytes",
			Help:    "Size of uploaded evidence files",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	evidenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_state_transitions_total",
			Help: "Total number of evidence state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	evidenceDeletes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_deletes_total",
			Help: "Total number of evidence deletions",
		},
		[]string{"mode"},
	)

	// Timestamp authority metrics
	tsaRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsa_requests_total",
			Help: "Total number of outbound timestamp authority requests",
		},
		[]string{"outcome"},
	)

	tsaRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tsa_request_duration_seconds",
			Help:    "Timestamp authority round trip duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
		},
	)

	proofVerificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proof_verification_failures_total",
			Help: "Total number of rejected timestamp proofs",
		},
		[]string{"reason"},
	)

	proofQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proof_queue_depth",
			Help: "Number of records waiting for proof acquisition",
		},
	)

	blobStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blob_store_errors_total",
			Help: "Total number of blob store failures",
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath replaces UUID segments with a placeholder so record ids do
// not explode label cardinality.
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if len(s) == 36 {
			if _, err := uuid.Parse(s); err == nil {
				segments[i] = "{id}"
			}
		}
	}
	return strings.Join(segments, "/")
}

// --- Evidence metric helpers ---

// RecordUpload records a created evidence record
func RecordUpload(category string, size int64) {
	evidenceUploads.WithLabelValues(category).Inc()
	evidenceUploadBytes.Observe(float64(size))
}

// RecordTransition records an evidence state change
func RecordTransition(fromState, toState string) {
	evidenceTransitions.WithLabelValues(fromState, toState).Inc()
}

// RecordDelete records a deletion; mode is "purged" or "tombstoned"
func RecordDelete(mode string) {
	evidenceDeletes.WithLabelValues(mode).Inc()
}

// RecordTSARequest records one outbound authority attempt
func RecordTSARequest(outcome string, duration time.Duration) {
	tsaRequestsTotal.WithLabelValues(outcome).Inc()
	tsaRequestDuration.Observe(duration.Seconds())
}

// RecordVerificationFailure records a rejected proof
func RecordVerificationFailure(reason string) {
	proofVerificationFailures.WithLabelValues(reason).Inc()
}

// SetQueueDepth records the proof queue length
func SetQueueDepth(n int) {
	proofQueueDepth.Set(float64(n))
}

// RecordBlobStoreError records a blob store failure
func RecordBlobStoreError(operation string) {
	blobStoreErrors.WithLabelValues(operation).Inc()
}
