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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	liveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_live_connections",
			Help: "Currently open SSE connections",
		},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_notifications_created_total",
			Help: "Notifications persisted to the log, by type",
		},
		[]string{"type"},
	)

	liveDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_live_deliveries_total",
			Help: "Live delivery attempts by outcome (delivered or dropped)",
		},
		[]string{"outcome"},
	)

	pushSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_push_sends_total",
			Help: "Web push sends by result (sent, gone, failed, rejected)",
		},
		[]string{"result"},
	)

	emailFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_email_fallbacks_total",
			Help: "Email fallback sends by result",
		},
		[]string{"result"},
	)

	unreadCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_unread_cache_lookups_total",
			Help: "Unread-count cache lookups by outcome (hit or miss)",
		},
		[]string{"outcome"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
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

// SetLiveConnections sets the current SSE connection count
func SetLiveConnections(count int) {
	liveConnections.Set(float64(count))
}

// RecordNotificationCreated records a persisted notification
func RecordNotificationCreated(notifType string) {
	notificationsCreated.WithLabelValues(notifType).Inc()
}

// RecordLiveDelivery records a live delivery attempt outcome
func RecordLiveDelivery(delivered bool) {
	outcome := "dropped"
	if delivered {
		outcome = "delivered"
	}
	liveDeliveries.WithLabelValues(outcome).Inc()
}

// RecordPushSend records the result of a web push send
func RecordPushSend(result string) {
	pushSends.WithLabelValues(result).Inc()
}

// RecordEmailFallback records the result of an email fallback send
func RecordEmailFallback(result string) {
	emailFallbacks.WithLabelValues(result).Inc()
}

// RecordUnreadCacheLookup records an unread-count cache hit or miss
func RecordUnreadCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	unreadCacheLookups.WithLabelValues(outcome).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
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

// Flush forwards to the underlying writer so SSE streaming keeps working
// behind the metrics middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer so http.ResponseController can reach
// the connection. The SSE handler clears its write deadline through this.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
