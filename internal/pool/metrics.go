package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_pool_events_total",
			Help: "Total number of pool lifecycle events, by event type.",
		},
		[]string{"event"},
	)

	acquireWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_pool_acquire_wait_seconds",
			Help:    "Time spent waiting in Acquire, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeModules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_pool_active_modules",
			Help: "Number of modules with a sticky worker.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal)
	prometheus.MustRegister(acquireWait)
	prometheus.MustRegister(activeModules)

	for _, ev := range allEvents {
		eventsTotal.WithLabelValues(string(ev))
	}
}
