package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradeguard_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Метрики подсистемы доступа и аудита
var (
	authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_auth_failures_total",
			Help: "Authentication and authorization rejections by error code.",
		},
		[]string{"code"},
	)

	lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_auth_lockouts_total",
		Help: "Identifiers that crossed the failed-attempt threshold.",
	})

	auditEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_audit_entries_total",
			Help: "Captured audit entries by audit level.",
		},
		[]string{"level"},
	)

	auditRiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeguard_audit_risk_score",
		Help:    "Distribution of computed request risk scores.",
		Buckets: prometheus.LinearBuckets(0, 1, 11),
	})

	auditPersistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_audit_persist_failures_total",
			Help: "Audit writes that fell back to the local log.",
		},
		[]string{"reason"},
	)

	securityAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_security_alerts_total",
			Help: "Security alerts raised by the audit pipeline.",
		},
		[]string{"type"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			authFailures, lockouts, auditEntries, auditRiskScore,
			auditPersistFailures, securityAlerts,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests per canonical path.
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

// CanonicalPath collapses identifier segments to ":id" to bound label cardinality.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	segments := strings.Split(strings.Trim(raw, "/"), "/")
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}

// looksLikeID treats any segment carrying a digit as an identifier, except API versions.
func looksLikeID(seg string) bool {
	if len(seg) >= 2 && seg[0] == 'v' && isDigits(seg[1:]) {
		return false
	}
	for _, r := range seg {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

// SetReady mirrors the readiness probe result into a gauge.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveAuthFailure counts a rejected request by its error code.
func ObserveAuthFailure(code string) {
	authFailures.WithLabelValues(code).Inc()
}

// ObserveLockout counts an identifier entering lockout.
func ObserveLockout() {
	lockouts.Inc()
}

// ObserveAuditEntry records the level and risk score of a captured entry.
func ObserveAuditEntry(level string, riskScore int) {
	auditEntries.WithLabelValues(level).Inc()
	auditRiskScore.Observe(float64(riskScore))
}

// ObserveAuditPersistFailure counts a fallback write.
func ObserveAuditPersistFailure(reason string) {
	auditPersistFailures.WithLabelValues(reason).Inc()
}

// ObserveAlert counts a raised security alert.
func ObserveAlert(alertType string) {
	securityAlerts.WithLabelValues(alertType).Inc()
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
