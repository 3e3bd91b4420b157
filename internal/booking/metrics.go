package booking

import "github.com/prometheus/client_golang/prometheus"

var (
	bookingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "booking",
		Name:      "created_total",
		Help:      "Bookings created.",
	})

	cancellationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "booking",
		Name:      "cancellations_total",
		Help:      "Booking cancellations by refund percent.",
	}, []string{"percent"})

	coinsRefunded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "booking",
		Name:      "coins_refunded_total",
		Help:      "Coins refunded to fans through cancellations.",
	})
)

func init() {
	prometheus.MustRegister(bookingsTotal, cancellationsTotal, coinsRefunded)
}
