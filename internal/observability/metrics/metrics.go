package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the counters and histograms for the booking flows.
// All methods are nil-safe so wiring stays optional in tests.
type Metrics struct {
	upstreamLatency *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	fanoutLatency   *prometheus.HistogramVec
	syncLatency     *prometheus.HistogramVec
	bookingsTotal   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voicebook",
			Subsystem: "upstream",
			Name:      "call_seconds",
			Help:      "Latency of PMS API calls by operation and error class",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "class"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebook",
			Subsystem: "availability",
			Name:      "cache_lookups_total",
			Help:      "Availability cache lookups by outcome (hit, miss, stale, error)",
		}, []string{"outcome"}),
		fanoutLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voicebook",
			Subsystem: "fanout",
			Name:      "task_seconds",
			Help:      "Latency of fan-out day probes by outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		syncLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voicebook",
			Subsystem: "sync",
			Name:      "run_seconds",
			Help:      "Duration of cache sync runs by type",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"sync_type"}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicebook",
			Subsystem: "booking",
			Name:      "actions_total",
			Help:      "Booking actions by action and outcome",
		}, []string{"action", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.upstreamLatency, m.cacheLookups, m.fanoutLatency, m.syncLatency, m.bookingsTotal)
	return m
}

func (m *Metrics) ObserveUpstreamCall(op, class string, seconds float64) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(op, class).Observe(seconds)
}

func (m *Metrics) ObserveCacheLookup(outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveFanoutTask(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.fanoutLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) ObserveSyncRun(syncType string, seconds float64) {
	if m == nil {
		return
	}
	m.syncLatency.WithLabelValues(syncType).Observe(seconds)
}

func (m *Metrics) ObserveBooking(action, outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(action, outcome).Inc()
}
