package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency by route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cfx",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// AuthFailuresTotal counts authentication failures by reason.
var AuthFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cfx",
		Subsystem: "auth",
		Name:      "failures_total",
		Help:      "Total number of authentication failures by reason.",
	},
	[]string{"reason"},
)

// QuotaFailOpenTotal counts quota checks that fell open due to store outage.
var QuotaFailOpenTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cfx",
		Subsystem: "quota",
		Name:      "failopen_total",
		Help:      "Total number of quota checks that fail-opened because the store was unavailable.",
	},
)

// QuotaExceededTotal counts requests rejected for exceeding the daily quota.
var QuotaExceededTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cfx",
		Subsystem: "quota",
		Name:      "exceeded_total",
		Help:      "Total number of requests rejected for exceeding the daily quota.",
	},
)

// CircuitBreakerState reports the current breaker state per upstream, as a
// gauge with 0=closed, 1=half_open, 2=open.
var CircuitBreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cfx",
		Subsystem: "upstream",
		Name:      "circuit_breaker_state",
		Help:      "Current circuit breaker state (0=closed, 1=half_open, 2=open).",
	},
	[]string{"upstream"},
)

// CircuitBreakerTransitionsTotal counts breaker state transitions.
var CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cfx",
		Subsystem: "upstream",
		Name:      "circuit_breaker_transitions_total",
		Help:      "Total number of circuit breaker state transitions.",
	},
	[]string{"upstream", "from", "to"},
)

// LogQueueDroppedTotal counts log records dropped because the background
// queue was full.
var LogQueueDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cfx",
		Subsystem: "logqueue",
		Name:      "dropped_total",
		Help:      "Total number of request log records dropped because the queue was full.",
	},
)

// SlotExhaustedTotal counts streaming requests rejected for lack of a
// concurrency slot.
var SlotExhaustedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cfx",
		Subsystem: "concurrency",
		Name:      "slot_exhausted_total",
		Help:      "Total number of streaming requests rejected for lack of a concurrency slot.",
	},
)

// All returns every CF-X-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		AuthFailuresTotal,
		QuotaFailOpenTotal,
		QuotaExceededTotal,
		CircuitBreakerState,
		CircuitBreakerTransitionsTotal,
		LogQueueDroppedTotal,
		SlotExhaustedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
