package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portal",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	paymentVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "payments",
			Name:      "verifications_total",
			Help:      "Total number of payment verification attempts.",
		},
		[]string{"network", "outcome"},
	)

	paymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portal",
			Subsystem: "payments",
			Name:      "verification_duration_seconds",
			Help:      "Duration of payment verifications including chain reads.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"network"},
	)

	ledgerChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "ledger",
			Name:      "changes_total",
			Help:      "Total number of membership ledger changes.",
		},
		[]string{"action", "tier"},
	)

	chainRPCCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "chain",
			Name:      "rpc_calls_total",
			Help:      "Total number of chain RPC calls.",
		},
		[]string{"method", "outcome"},
	)

	priceLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "quote",
			Name:      "price_lookups_total",
			Help:      "Total number of spot price lookups.",
		},
		[]string{"source", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		paymentVerifications,
		paymentDuration,
		ledgerChanges,
		chainRPCCalls,
		priceLookups,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordPaymentVerification records the outcome of one verification.
func RecordPaymentVerification(network, outcome string, duration time.Duration) {
	if network == "" {
		network = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	paymentVerifications.WithLabelValues(network, outcome).Inc()
	paymentDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// RecordLedgerChange records one applied membership change.
func RecordLedgerChange(action, tier string) {
	ledgerChanges.WithLabelValues(action, tier).Inc()
}

// RecordChainRPC records one JSON-RPC call against a payment chain.
func RecordChainRPC(method, outcome string) {
	chainRPCCalls.WithLabelValues(method, outcome).Inc()
}

// RecordPriceLookup records one spot price resolution.
func RecordPriceLookup(source, outcome string) {
	priceLookups.WithLabelValues(source, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses request paths to their route shape so label
// cardinality stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "api", "auth":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		if len(parts) == 2 {
			return "/" + parts[0] + "/" + parts[1]
		}
		return "/" + parts[0] + "/" + parts[1] + "/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
