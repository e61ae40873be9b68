package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersTotal tracks finished transfers by kind and outcome
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tronvault_transfers_total",
			Help: "Total number of transfers by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// StageFailuresTotal tracks where transfers fail
	StageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tronvault_transfer_stage_failures_total",
			Help: "Total number of transfer failures per pipeline stage",
		},
		[]string{"stage", "kind"},
	)

	// StageDuration tracks pipeline stage latency
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tronvault_transfer_stage_duration_seconds",
			Help:    "Transfer pipeline stage latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// RateLookupsTotal tracks exchange rate lookups by source and outcome
	RateLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tronvault_rate_lookups_total",
			Help: "Total number of exchange rate lookups",
		},
		[]string{"source", "outcome"},
	)

	// ReconciledTotal tracks records touched by the reconciler
	ReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tronvault_reconciled_records_total",
			Help: "Total number of transfer records resolved by the reconciler",
		},
		[]string{"result"},
	)

	// WalletsProvisioned counts wallets created
	WalletsProvisioned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tronvault_wallets_provisioned_total",
			Help: "Total number of custodial wallets provisioned",
		},
	)
)
