package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level collectors, registered on the default registry and exposed
// via /metrics.
var (
	// LedgerMutations counts committed and rejected balance mutations.
	LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nova_ledger_mutations_total",
		Help: "Balance mutations by entry kind and outcome.",
	}, []string{"kind", "outcome"})

	// IdempotencyHits counts requests answered from a stored outcome.
	IdempotencyHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nova_idempotency_hits_total",
		Help: "Mutations answered from a stored idempotency outcome.",
	}, []string{"operation"})

	// RiskBlocks counts grants suppressed by the risk gate.
	RiskBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nova_risk_blocks_total",
		Help: "Reward grants short-circuited by the risk gate.",
	})

	// PayoutTransitions counts payout state machine transitions.
	PayoutTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nova_payout_transitions_total",
		Help: "Payout status transitions by target status.",
	}, []string{"to"})

	// ProviderCallDuration observes outbound provider call latency.
	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nova_provider_call_duration_seconds",
		Help:    "Latency of external payment provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"call"})
)
