// Package metrics exposes the Prometheus counters and histograms tracking
// relayer selection and batch fulfillment outcomes, registered once at
// package initialization via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RelayerSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_selected_total",
		Help: "Total number of times a relayer account was selected to send a batch",
	}, []string{"address"})

	RelayerSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_skipped_total",
		Help: "Total number of times a relayer account was skipped, by reason",
	}, []string{"address", "reason"})

	RequestsFulfilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "requests_fulfilled_total",
		Help: "Total number of randomness requests fulfilled on-chain",
	})

	BatchFulfilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_batch_fulfilled_total",
		Help: "Total number of per-request slots a batch transaction actually fulfilled",
	})

	BatchUnfulfilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_batch_unfulfilled_total",
		Help: "Total number of per-request slots a committed batch did not fulfill",
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_size",
		Help:    "Number of requests dispatched per batch transaction",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
	})

	QueueLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "queue_latency_seconds",
		Help:    "Time from request creation to on-chain fulfillment",
		Buckets: prometheus.DefBuckets,
	})
)

// SkipReason names why RelayerPool passed over a candidate account.
type SkipReason string

const (
	SkipInsufficientGas    SkipReason = "insufficient_gas"
	SkipPendingTransaction SkipReason = "pending_transaction"
	SkipRecentFailure      SkipReason = "recent_failure"
)
