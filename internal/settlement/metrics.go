package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	settlementsByTrigger = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "settlement",
		Name:      "settled_total",
		Help:      "Participants settled, by termination trigger.",
	}, []string{"trigger"})

	sweepStaleFound = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletcore",
		Subsystem: "settlement",
		Name:      "sweep_stale_found",
		Help:      "Stale participants found in the last sweep run.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "walletcore",
		Subsystem: "settlement",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of heartbeat sweep runs in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(settlementsByTrigger, sweepStaleFound, sweepDuration)
}
