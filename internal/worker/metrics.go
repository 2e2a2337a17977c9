package worker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for hot swaps.
const (
	swapOK     = "ok"
	swapFailed = "failed"
)

var (
	bootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_worker_boot_seconds",
			Help:    "Duration from sandbox spawn to first successful health check, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	runningSandboxes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_worker_running_sandboxes",
			Help: "Number of sandbox processes currently running.",
		},
	)

	hotSwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_worker_hot_swaps_total",
			Help: "Total number of module hot swaps attempted by workers.",
		},
		[]string{"result"},
	)

	unexpectedExitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_worker_unexpected_exits_total",
			Help: "Total number of sandbox processes that exited without being stopped.",
		},
	)

	cleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_worker_cleanup_seconds",
			Help:    "Duration of sandbox stop, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(bootDuration)
	prometheus.MustRegister(runningSandboxes)
	prometheus.MustRegister(hotSwapsTotal)
	prometheus.MustRegister(unexpectedExitsTotal)
	prometheus.MustRegister(cleanupDuration)

	hotSwapsTotal.WithLabelValues(swapOK)
	hotSwapsTotal.WithLabelValues(swapFailed)
}
