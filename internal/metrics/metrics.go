// Package metrics defines the Prometheus counters exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deja_messages_ingested_total",
		Help: "Inbound messages stored.",
	})

	CasesAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deja_cases_admitted_total",
		Help: "Cases that passed validation and were indexed.",
	})

	CasesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deja_cases_rejected_total",
		Help: "Structured cases discarded by the resolved/summary admission gate.",
	})

	GateOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deja_gate_outcomes_total",
		Help: "Decision gate terminal states by outcome and reason.",
	}, []string{"outcome", "reason"})

	RepliesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deja_replies_sent_total",
		Help: "Replies delivered to the bridge.",
	})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deja_jobs_completed_total",
		Help: "Jobs finished successfully by type.",
	}, []string{"type"})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deja_jobs_failed_total",
		Help: "Job attempts that failed by type.",
	}, []string{"type"})

	JobsDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deja_jobs_dead_total",
		Help: "Jobs moved to the dead state after exhausting retries.",
	})
)
