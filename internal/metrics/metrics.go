// Package metrics registers the Prometheus instruments for the durable
// pipeline: consumption cycles, per-message outcomes, expiry notifications
// and janitor sweeps. Exposed on /metrics by the HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConsumerCycles counts completed poll cycles per pipeline.
	ConsumerCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsa_consumer_cycles_total",
			Help: "Completed message consumption cycles per pipeline",
		},
		[]string{"pipeline"},
	)

	// MessagesProcessed counts per-message outcomes per pipeline.
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsa_messages_processed_total",
			Help: "Queue messages handled, labelled by pipeline and outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	// ExpiryNotifications counts expiry notification attempts by outcome.
	ExpiryNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsa_expiry_notifications_total",
			Help: "Expiry notifications attempted, labelled by outcome",
		},
		[]string{"outcome"},
	)

	// JanitorDeleted counts rows removed by the TTL sweeper per table.
	JanitorDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsa_janitor_deleted_total",
			Help: "Expired rows deleted by the janitor per table",
		},
		[]string{"table"},
	)
)

const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeSent      = "sent"
	OutcomeSkipped   = "skipped"
)
