package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	balanceMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletcore",
		Subsystem: "reconciliation",
		Name:      "balance_mismatches",
		Help:      "Wallets corrected in the most recent reconciliation run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "walletcore",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs.",
		Buckets:   prometheus.DefBuckets,
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Errors encountered during reconciliation.",
	})
)

func init() {
	prometheus.MustRegister(balanceMismatches, runDuration, runErrors)
}
