package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keygov",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keygov",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keygov",
			Subsystem: "routing",
			Name:      "resolutions_total",
			Help:      "Function resolutions by outcome.",
		},
		[]string{"function", "state", "fallback"},
	)

	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keygov",
			Subsystem: "usage",
			Name:      "outcomes_total",
			Help:      "Reported external call outcomes.",
		},
		[]string{"service", "success"},
	)

	outcomeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keygov",
			Subsystem: "usage",
			Name:      "response_time_seconds",
			Help:      "Reported external call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"service"},
	)

	ledgerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keygov",
			Subsystem: "usage",
			Name:      "ledger_append_failures_total",
			Help:      "Usage log writes that failed and were discarded.",
		},
	)

	validations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keygov",
			Subsystem: "credentials",
			Name:      "validations_total",
			Help:      "Credential validation probes by result.",
		},
		[]string{"service", "healthy"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		resolutions,
		outcomes,
		outcomeLatency,
		ledgerFailures,
		validations,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one handled HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UnmappedFunction labels resolutions of names with no function mapping
const UnmappedFunction = "unmapped"

// RecordResolution counts a resolution outcome for a function.
func RecordResolution(function, state string, usedFallback bool) {
	if function == "" {
		function = "unknown"
	}
	resolutions.WithLabelValues(function, state, strconv.FormatBool(usedFallback)).Inc()
}

// RecordOutcome counts a reported call outcome and its latency.
func RecordOutcome(service string, success bool, responseTimeMs int64) {
	outcomes.WithLabelValues(service, strconv.FormatBool(success)).Inc()
	if responseTimeMs > 0 {
		outcomeLatency.WithLabelValues(service).Observe(float64(responseTimeMs) / 1000)
	}
}

// RecordLedgerFailure counts a discarded usage log write.
func RecordLedgerFailure() {
	ledgerFailures.Inc()
}

// RecordValidation counts a credential probe.
func RecordValidation(service string, healthy bool) {
	validations.WithLabelValues(service, strconv.FormatBool(healthy)).Inc()
}
