// Package metrics provides Prometheus metrics for the Viewport server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewport_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "viewport_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Redemption metrics
	objectsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewport_objects_created_total",
			Help: "Total shareable objects created",
		},
		[]string{"kind", "protected"},
	)

	redemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewport_redemptions_total",
			Help: "Total redemption attempts by outcome",
		},
		[]string{"outcome"},
	)

	codeCollisionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "viewport_code_collisions_total",
			Help: "Total share code collisions during insert",
		},
	)

	// PIN metrics
	pinAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewport_pin_attempts_total",
			Help: "Total PIN verification attempts",
		},
		[]string{"result"},
	)

	pinRateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "viewport_pin_rate_limit_hits_total",
			Help: "Total PIN attempts rejected by the rate limiter",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewport_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Blob storage metrics
	blobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "viewport_blob_operation_duration_seconds",
			Help:    "Blob storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	blobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewport_blob_operations_total",
			Help: "Total blob storage operations",
		},
		[]string{"operation"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "viewport_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "viewport_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	objectsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "viewport_objects_live",
			Help: "Number of live (unredeemed, unexpired) objects",
		},
	)

	objectsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "viewport_objects_purged_total",
			Help: "Total expired objects removed by the lazy purger",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "viewport_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewport_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordObjectCreated records a created shareable object.
func RecordObjectCreated(kind string, pinProtected bool) {
	objectsCreatedTotal.WithLabelValues(kind, strconv.FormatBool(pinProtected)).Inc()
}

// RecordRedemption records a redemption attempt outcome ("success" or an error code).
func RecordRedemption(outcome string) {
	redemptionsTotal.WithLabelValues(outcome).Inc()
}

// RecordCodeCollision records a share code uniqueness collision.
func RecordCodeCollision() {
	codeCollisionsTotal.Inc()
}

// RecordPinAttempt records a PIN verification attempt by result
// ("success", "incorrect", "expired", "invalid_format").
func RecordPinAttempt(result string) {
	pinAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordPinRateLimitHit records a rate-limited PIN attempt.
func RecordPinRateLimitHit() {
	pinRateLimitHitsTotal.Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordBlobOperation records a blob storage operation.
func RecordBlobOperation(operation string, duration time.Duration) {
	blobOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	blobOperationsTotal.WithLabelValues(operation).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// SetObjectsLive sets the live object count.
func SetObjectsLive(count int64) {
	objectsLive.Set(float64(count))
}

// RecordObjectsPurged records expired objects removed by the purger.
func RecordObjectsPurged(count int) {
	objectsPurgedTotal.Add(float64(count))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
