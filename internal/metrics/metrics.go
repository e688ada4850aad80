// Package metrics holds the process-wide prometheus collectors, exposed on
// /metrics by the HTTP transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MonitorCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "generation_monitor_cycles_total",
		Help: "Completed monitor polling cycles.",
	})

	BatchPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_batch_polls_total",
		Help: "Provider batch status polls by pipeline phase.",
	}, []string{"phase"})

	LotOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_lot_outcomes_total",
		Help: "Lots settled by the monitor, by outcome.",
	}, []string{"outcome"})

	JobsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_jobs_finalized_total",
		Help: "Jobs that reached a terminal state, by status.",
	}, []string{"status"})

	WebhookAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_webhook_attempts_total",
		Help: "Webhook delivery attempts, by outcome.",
	}, []string{"outcome"})
)
