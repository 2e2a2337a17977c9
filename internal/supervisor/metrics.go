package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	proxiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_supervisor_requests_total",
			Help: "Total number of module requests, by outcome.",
		},
		[]string{"outcome"},
	)

	loadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_supervisor_loads_total",
			Help: "Total number of module loads.",
		},
	)
)

const (
	outcomeProxied     = "proxied"
	outcomeNotFound    = "not_found"
	outcomeUnavailable = "unavailable"
	outcomeError       = "error"
)

func init() {
	prometheus.MustRegister(proxiedTotal)
	prometheus.MustRegister(loadsTotal)

	for _, o := range []string{outcomeProxied, outcomeNotFound, outcomeUnavailable, outcomeError} {
		proxiedTotal.WithLabelValues(o)
	}
}
