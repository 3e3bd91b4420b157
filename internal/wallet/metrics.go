package wallet

import "github.com/prometheus/client_golang/prometheus"

var (
	transfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "wallet",
		Name:      "transfers_total",
		Help:      "Total ledger movements applied, by transaction type.",
	}, []string{"type"})

	settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "wallet",
		Name:      "settlements_total",
		Help:      "Total hold settlements applied, by debit type.",
	}, []string{"type"})

	coinsSettled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "wallet",
		Name:      "coins_settled_total",
		Help:      "Total coins charged through hold settlements.",
	})

	activeHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletcore",
		Subsystem: "wallet",
		Name:      "active_holds",
		Help:      "Spend holds currently in the active state.",
	})

	insufficientFundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "wallet",
		Name:      "insufficient_funds_total",
		Help:      "Operations rejected because the wallet could not cover them.",
	})

	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "wallet",
		Name:      "balance_cache_hits_total",
		Help:      "Balance reads served from the advisory cache.",
	})
)

func init() {
	prometheus.MustRegister(
		transfersTotal,
		settlementsTotal,
		coinsSettled,
		activeHolds,
		insufficientFundsTotal,
		cacheHits,
	)
}
