package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's counters and histograms. A nil *Metrics
// disables instrumentation, which the embedded library mode uses.
type Metrics struct {
	acquires   *prometheus.CounterVec
	denials    *prometheus.CounterVec
	retries    prometheus.Counter
	storeLatMs prometheus.Histogram
}

// NewMetrics registers the engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		acquires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "limitd",
			Name:      "acquire_total",
			Help:      "Acquire outcomes by result.",
		}, []string{"result"}),
		denials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "limitd",
			Name:      "limit_denied_total",
			Help:      "Denials by limit name.",
		}, []string{"limit"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "limitd",
			Name:      "optimistic_retry_total",
			Help:      "Conditional-write retries on the consume paths.",
		}),
		storeLatMs: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "limitd",
			Name:      "store_latency_ms",
			Help:      "Store round-trip latency in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
}

func (m *Metrics) IncAcquire(result string) {
	if m == nil {
		return
	}
	m.acquires.WithLabelValues(result).Inc()
}

func (m *Metrics) IncDenied(limit string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(limit).Inc()
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// ObserveStoreMs records one store round trip.
func (m *Metrics) ObserveStoreMs(ms float64) {
	if m == nil {
		return
	}
	m.storeLatMs.Observe(ms)
}
