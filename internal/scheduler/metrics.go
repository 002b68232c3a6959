package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "requests_total",
			Help:      "Total generation requests admitted",
		},
	)

	busyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "busy_rejections_total",
			Help:      "Requests rejected because the model queue was full",
		},
	)

	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "request_outcomes_total",
			Help:      "Terminal request states",
		},
		[]string{"outcome"},
	)

	tokensStreamedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "tokens_streamed_total",
			Help:      "Tokens forwarded to consumers",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Requests waiting per model",
		},
		[]string{"model"},
	)

	activeGenerations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "scheduler",
			Name:      "active_generations",
			Help:      "Generations currently running per model",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, busyTotal, outcomesTotal,
		tokensStreamedTotal, queueDepth, activeGenerations)
}
