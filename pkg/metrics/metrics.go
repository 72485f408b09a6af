package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_nodes_total",
			Help: "Registered nodes by device type",
		},
		[]string{"device_type"},
	)

	// Queue metrics
	TasksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_tasks_pending",
			Help: "Tasks waiting in the pending queue",
		},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_tasks_running",
			Help: "Tasks dispatched and not yet completed or recovered",
		},
	)

	TasksFailed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_tasks_failed",
			Help: "Tasks parked in the failed history",
		},
	)

	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_dispatches_total",
			Help: "Successful task dispatches to workers",
		},
	)

	DispatchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_dispatch_failures_total",
			Help: "Dispatch attempts that did not reach a worker",
		},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_task_retries_total",
			Help: "High-priority re-pushes after a transient failure",
		},
	)

	CompletionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_task_completions_total",
			Help: "Tasks reported completed by workers",
		},
	)

	RecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_task_recoveries_total",
			Help: "Recovery sweeps that re-queued tasks from a degraded node",
		},
	)

	// Telemetry metrics
	PollErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_poll_errors_total",
			Help: "Failed agent telemetry polls",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		TasksPending,
		TasksRunning,
		TasksFailed,
		DispatchesTotal,
		DispatchFailuresTotal,
		RetriesTotal,
		CompletionsTotal,
		RecoveriesTotal,
		PollErrorsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
