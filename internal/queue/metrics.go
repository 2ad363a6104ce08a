package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_queue_depth",
			Help: "Number of commands waiting for dispatch.",
		},
	)

	commandsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_commands_processed_total",
			Help: "Total number of dispatched commands by final status.",
		},
		[]string{"status"},
	)

	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conduit_command_dispatch_duration_seconds",
			Help:    "Time spent dispatching one command, retries included.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(commandsProcessedTotal)
	prometheus.MustRegister(dispatchDuration)
}
