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

	settlementOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klear_energy",
			Subsystem: "settlement",
			Name:      "operations_total",
			Help:      "Settlement operations by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	settlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "klear_energy",
			Subsystem: "settlement",
			Name:      "operation_duration_seconds",
			Help:      "Duration of settlement operations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"method"},
	)

	ledgerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klear_energy",
			Subsystem: "ledger",
			Name:      "calls_total",
			Help:      "Ledger collaborator calls by call and outcome.",
		},
		[]string{"call", "outcome"},
	)

	ledgerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "klear_energy",
			Subsystem: "ledger",
			Name:      "call_duration_seconds",
			Help:      "Duration of ledger collaborator calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"call"},
	)

	registryLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klear_energy",
			Subsystem: "registry",
			Name:      "lookups_total",
			Help:      "Token account cache lookups by result.",
		},
		[]string{"result"},
	)

	topUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klear_energy",
			Subsystem: "balance",
			Name:      "topups_total",
			Help:      "Balance assurance mints by token mint.",
		},
		[]string{"mint"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klear_energy",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "klear_energy",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		settlementOps,
		settlementDuration,
		ledgerCalls,
		ledgerDuration,
		registryLookups,
		topUps,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func ObserveSettlement(method, outcome string, d time.Duration) {
	settlementOps.WithLabelValues(method, outcome).Inc()
	settlementDuration.WithLabelValues(method).Observe(d.Seconds())
}

func ObserveLedgerCall(call, outcome string, d time.Duration) {
	ledgerCalls.WithLabelValues(call, outcome).Inc()
	ledgerDuration.WithLabelValues(call).Observe(d.Seconds())
}

func RegistryHit()  { registryLookups.WithLabelValues("hit").Inc() }
func RegistryMiss() { registryLookups.WithLabelValues("miss").Inc() }

func TopUp(mint string) { topUps.WithLabelValues(mint).Inc() }

func ObserveHTTP(method, path string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
