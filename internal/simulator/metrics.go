package simulator

import "github.com/prometheus/client_golang/prometheus"

var (
	processesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_simulator_processes_started_total",
			Help: "Total number of simulated processes started by template.",
		},
		[]string{"template"},
	)

	processesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_simulator_processes_finished_total",
			Help: "Total number of simulated processes finished by final status.",
		},
		[]string{"status"},
	)

	activeProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_simulator_active_processes",
			Help: "Number of simulated processes currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(processesStarted)
	prometheus.MustRegister(processesFinished)
	prometheus.MustRegister(activeProcesses)
}
