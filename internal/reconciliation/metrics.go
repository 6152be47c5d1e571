package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viewpay",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of holds whose ledger did not balance in the last reconciliation run.",
	})

	reconcileFrozenHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viewpay",
		Subsystem: "reconciliation",
		Name:      "frozen_holds",
		Help:      "Number of frozen holds seen in the last reconciliation run.",
	})

	reconcileStuckSettlements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viewpay",
		Subsystem: "reconciliation",
		Name:      "stuck_settlements",
		Help:      "Number of completed bookings whose release has been pending too long.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "viewpay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "viewpay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileFrozenHolds,
		reconcileStuckSettlements,
		reconcileDuration,
		reconcileErrors,
	)
}
