package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "Whether the service considers itself ready (1) or not (0).",
	})
)

// Circulation metrics.
var (
	checkoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circulation_checkouts_total",
		Help: "Completed checkouts.",
	})
	returnsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circulation_returns_total",
		Help: "Completed returns.",
	})
	finesPostedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circulation_fines_posted_total",
		Help: "Fines posted by the ledger.",
	})
	sweepTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circulation_sweep_transitions_total",
			Help: "Rows transitioned by periodic sweeps.",
		},
		[]string{"sweep"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		checkoutsTotal, returnsTotal, finesPostedTotal, sweepTransitions,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func IncCheckout()   { checkoutsTotal.Inc() }
func IncReturn()     { returnsTotal.Inc() }
func IncFinePosted() { finesPostedTotal.Inc() }

// AddSweepTransitions records rows touched by a named sweep.
func AddSweepTransitions(sweep string, n int64) {
	if n < 0 {
		return
	}
	sweepTransitions.WithLabelValues(sweep).Add(float64(n))
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	for _, pat := range []struct{ prefix, suffix, canon string }{
		{"/v1/loans/", "/return", "/v1/loans/:id/return"},
		{"/v1/loans/", "/lost", "/v1/loans/:id/lost"},
		{"/v1/loans/", "", "/v1/loans/:id"},
		{"/v1/reservations/", "/cancel", "/v1/reservations/:id/cancel"},
		{"/v1/reservations/", "", "/v1/reservations/:id"},
		{"/v1/fines/", "/settle", "/v1/fines/:id/settle"},
		{"/v1/fines/", "", "/v1/fines/:id"},
		{"/v1/users/", "/fines/balance", "/v1/users/:id/fines/balance"},
		{"/v1/books/", "", "/v1/books/:id"},
	} {
		if !strings.HasPrefix(path, pat.prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, pat.prefix)
		rest = strings.TrimSuffix(rest, pat.suffix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		if pat.suffix != "" && !strings.HasSuffix(path, pat.suffix) {
			continue
		}
		return pat.canon
	}
	return path
}

// statusWriter keeps track of the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
