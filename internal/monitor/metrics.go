package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_monitor_polls_total",
			Help: "Total number of execution status polls by result.",
		},
		[]string{"result"},
	)

	activeMonitors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_monitor_active",
			Help: "Number of executions currently being monitored.",
		},
	)
)

func init() {
	prometheus.MustRegister(pollsTotal)
	prometheus.MustRegister(activeMonitors)
}
