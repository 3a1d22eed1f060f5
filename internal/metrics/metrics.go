package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_claims_total",
			Help: "Jobs claimed, by service.",
		},
		[]string{"service"},
	)

	ClaimRacesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_claim_races_total",
			Help: "Claim attempts lost to another worker.",
		},
	)

	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_jobs_finished_total",
			Help: "Jobs reaching a terminal status, by service and status.",
		},
		[]string{"service", "status"},
	)

	RecoveryActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_recovery_actions_total",
			Help: "Health-check recovery outcomes, by action.",
		},
		[]string{"action"},
	)

	RequeuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_requeues_total",
			Help: "Jobs returned to pending, by cause.",
		},
		[]string{"cause"},
	)

	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatchd_job_duration_seconds",
			Help:    "Wall time from claim to terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"service"},
	)
)

func Register() {
	prometheus.MustRegister(
		ClaimsTotal,
		ClaimRacesTotal,
		JobsFinishedTotal,
		RecoveryActionsTotal,
		RequeuesTotal,
		JobDurationSeconds,
	)
}
