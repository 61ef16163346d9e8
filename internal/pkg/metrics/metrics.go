// Package metrics provides Prometheus metrics definitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "incidentledger"

var (
	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status_code"},
	)

	// DBPoolConnections tracks database connection pool state.
	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "pool_connections",
			Help:      "Number of database connections by state",
		},
		[]string{"state"},
	)

	// CacheOperations counts cache coordinator calls by operation and result.
	// Result is one of hit, miss, error, ok, skipped.
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Cache operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// IdempotencyChecks counts ledger lookups by outcome.
	IdempotencyChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "checks_total",
			Help:      "Idempotency ledger checks by outcome",
		},
		[]string{"outcome"},
	)

	// IdempotencyKeyRaces counts concurrent creates that lost the ledger insert.
	IdempotencyKeyRaces = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "key_races_total",
			Help:      "Creates that lost a concurrent idempotency key insert",
		},
	)

	// IdempotencyPurged counts expired ledger records removed by the purge job.
	IdempotencyPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "purged_total",
			Help:      "Expired idempotency records removed by the purge job",
		},
	)

	// IncidentsCreated counts incidents persisted by fresh creates.
	IncidentsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "created_total",
			Help:      "Incidents created (replays excluded)",
		},
	)

	// StatusTransitions counts applied status transitions.
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "status_transitions_total",
			Help:      "Applied incident status transitions",
		},
		[]string{"from", "to"},
	)
)
