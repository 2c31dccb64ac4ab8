package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all handlers.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Session-domain metrics. Rejections are labeled by the taxonomy code so the
// dashboard can separate credential noise from binding violations.
var (
	loginsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_logins_total",
		Help: "Successful logins.",
	})

	rotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_refresh_total",
			Help: "Refresh operations by mode (rotate, reuse).",
		},
		[]string{"mode"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_rejections_total",
			Help: "Rejected session operations by reason code.",
		},
		[]string{"reason"},
	)

	onlineGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_online_devices",
		Help: "Devices seen within the presence window (best effort).",
	})
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, rotationsTotal, rejectionsTotal, onlineGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncLogin records a successful login.
func IncLogin() { loginsTotal.Inc() }

// IncRefresh records a refresh operation in the given mode.
func IncRefresh(mode string) { rotationsTotal.WithLabelValues(mode).Inc() }

// IncRejection records a rejected operation under its taxonomy code.
func IncRejection(reason string) { rejectionsTotal.WithLabelValues(reason).Inc() }

// SetOnline publishes the current best-effort online device count.
func SetOnline(n int) { onlineGauge.Set(float64(n)) }

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
