package purchase

import "github.com/prometheus/client_golang/prometheus"

var (
	checkoutsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "purchase",
		Name:      "checkouts_created_total",
		Help:      "Stripe Checkout sessions created.",
	})

	coinsPurchased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "purchase",
		Name:      "coins_purchased_total",
		Help:      "Coins credited from completed checkouts.",
	})

	webhookFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "purchase",
		Name:      "webhook_failures_total",
		Help:      "Stripe webhooks rejected or failed to process.",
	})
)

func init() {
	prometheus.MustRegister(checkoutsCreated, coinsPurchased, webhookFailures)
}
