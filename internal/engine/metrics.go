package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	workflowsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_workflows_finished_total",
			Help: "Total number of workflows that reached a terminal status.",
		},
		[]string{"status"},
	)

	workflowsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_workflows_active",
			Help: "Number of workflows currently running.",
		},
	)

	commandsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_workflow_commands_forwarded_total",
			Help: "Total number of result commands forwarded to the command queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(workflowsFinished, workflowsActive, commandsForwarded)
}
