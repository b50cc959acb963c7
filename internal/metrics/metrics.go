// Package metrics holds the Prometheus collectors shared across the
// control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	VMTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_vm_transitions_total",
		Help: "VM state machine transitions by target status.",
	}, []string{"to"})

	OperationsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_operations_finished_total",
		Help: "Operations reaching a terminal status.",
	}, []string{"resource", "kind", "status"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_jobs_finished_total",
		Help: "Jobs reaching a terminal status.",
	}, []string{"status"})

	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_job_retries_total",
		Help: "Job attempts restarted after a retryable failure.",
	})

	ScaleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_scale_decisions_total",
		Help: "Autoscale evaluations by resulting action.",
	}, []string{"action"})

	TaskCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_tasks_completed_total",
		Help: "Background tasks that finished cleanly.",
	}, []string{"task"})

	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_tasks_failed_total",
		Help: "Background tasks that returned an error.",
	}, []string{"task"})

	TaskPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_tasks_panicked_total",
		Help: "Background tasks recovered from a panic.",
	}, []string{"task"})
)

// Register mounts the Prometheus handler on the provided mux.
func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
