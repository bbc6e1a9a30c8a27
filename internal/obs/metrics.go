package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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
		Help: "1 when the service passes its readiness checks.",
	})

	requestsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relationship_requests_created_total",
			Help: "Relationship requests created, by target kind.",
		},
		[]string{"target_kind"},
	)

	requestsResponded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relationship_requests_responded_total",
			Help: "Relationship requests moved to a terminal state.",
		},
		[]string{"state"},
	)

	grantsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authorization_grants_created_total",
		Help: "Authorization grants created.",
	})

	grantsRevoked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authorization_grants_revoked_total",
		Help: "Authorization grants revoked.",
	})

	ruleViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_violations_total",
			Help: "Business-rule rejections, by reason code.",
		},
		[]string{"code"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		requestsCreated, requestsResponded,
		grantsCreated, grantsRevoked, ruleViolations,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// RequestCreated counts a created relationship request.
func RequestCreated(targetKind string) {
	requestsCreated.WithLabelValues(targetKind).Inc()
}

// RequestResponded counts a terminal response.
func RequestResponded(state string) {
	requestsResponded.WithLabelValues(state).Inc()
}

// GrantCreated counts a created grant.
func GrantCreated() { grantsCreated.Inc() }

// GrantRevoked counts a revoked grant.
func GrantRevoked() { grantsRevoked.Inc() }

// RuleViolation counts a business-rule rejection by its reason code.
func RuleViolation(code string) {
	if code == "" {
		code = "unknown"
	}
	ruleViolations.WithLabelValues(code).Inc()
}

// CanonicalPath collapses identifier path segments so metric labels stay
// bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/<resource>/<id>[/...] -> /v1/<resource>/:id[/...]
	if len(parts) >= 4 && parts[1] == "v1" && parts[3] != "" {
		parts[3] = ":id"
		return strings.Join(parts, "/")
	}
	return path
}

// Instrument wraps a handler with RPS, latency and in-flight metrics.
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

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
