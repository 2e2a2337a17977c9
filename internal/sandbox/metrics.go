package sandbox

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	spawnerProcess = SpawnerProcess
	spawnerDocker  = SpawnerDocker
	resultOK       = "ok"
	resultError    = "error"
)

var spawnsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "anvil_sandbox_spawns_total",
		Help: "Total number of sandbox spawn attempts.",
	},
	[]string{"spawner", "result"},
)

func init() {
	prometheus.MustRegister(spawnsTotal)

	for _, s := range []string{spawnerProcess, spawnerDocker} {
		spawnsTotal.WithLabelValues(s, resultOK)
		spawnsTotal.WithLabelValues(s, resultError)
	}
}
