package registry

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "registry",
			Name:      "loads_total",
			Help:      "Total native model loads",
		},
	)

	loadFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "registry",
			Name:      "load_failures_total",
			Help:      "Total failed native model loads",
		},
	)

	evictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Total model evictions",
		},
	)

	loadedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "registry",
			Name:      "loaded_bytes",
			Help:      "Estimated bytes of currently loaded models",
		},
	)

	loadedModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "registry",
			Name:      "loaded_models",
			Help:      "Number of currently loaded models",
		},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, loadFailuresTotal, evictionsTotal, loadedBytes, loadedModels)
}

// updateGauges refreshes the gauges from cache state. Caller holds r.mu.
func (r *Registry) updateGauges() {
	loadedBytes.Set(float64(r.usedBytes))
	loadedModels.Set(float64(len(r.loaded)))
}
