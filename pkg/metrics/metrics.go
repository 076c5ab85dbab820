package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ArtifactsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferdelance_artifacts_submitted_total",
			Help: "Total number of artifacts accepted by the planner",
		},
	)

	ArtifactsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferdelance_artifacts_finished_total",
			Help: "Total number of artifacts that reached a terminal status",
		},
		[]string{"status"},
	)

	JobsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferdelance_jobs_created_total",
			Help: "Total number of jobs created by kind",
		},
		[]string{"kind"},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferdelance_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"kind", "status"},
	)

	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferdelance_jobs_running",
			Help: "Number of jobs currently leased to a component",
		},
	)

	JobsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferdelance_jobs_reclaimed_total",
			Help: "Total number of expired job leases reset to scheduled",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ArtifactsSubmitted,
		ArtifactsFinished,
		JobsCreated,
		JobsFinished,
		JobsRunning,
		JobsReclaimed,
	)
}

// Handler returns the HTTP handler exposing the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
