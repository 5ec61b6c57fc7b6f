package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Transfers processed by the engine, labeled by result (created, replayed or error kind)",
	}, []string{"result"})

	tokenRaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_idempotency_races_total",
		Help: "Inserts that lost a unique-token race and were resolved by re-reading the winner",
	})

	transferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_transfer_duration_seconds",
		Help:    "End-to-end engine latency, including lock waits",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	lockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_lock_wait_seconds",
		Help:    "Time spent acquiring both account row locks",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	})
)
