package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorpay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tutorpay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	BookingPaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorpay_booking_payments_total",
			Help: "Total number of booking payments",
		},
		[]string{"method"}, // wallet or package
	)

	BookingCancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorpay_booking_cancellations_total",
			Help: "Total number of booking cancellations",
		},
		[]string{"initiator"},
	)

	EscrowReleasesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorpay_escrow_releases_total",
			Help: "Total number of escrow releases to teacher wallets",
		},
	)

	RefundCentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorpay_refund_cents_total",
			Help: "Total refunded amount in cents",
		},
	)

	PackagePurchasesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorpay_package_purchases_total",
			Help: "Total number of package purchases",
		},
	)

	PackageRedemptionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorpay_package_redemptions_total",
			Help: "Total number of package session redemptions",
		},
	)

	AuditRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorpay_ledger_audit_runs_total",
			Help: "Total number of ledger audit runs",
		},
		[]string{"status"},
	)

	AuditDiscrepancies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tutorpay_ledger_audit_discrepancies",
			Help: "Discrepancy count from the most recent ledger audit",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorpay_notifications_total",
			Help: "Total number of notifications processed",
		},
		[]string{"type", "status"},
	)

	NotificationQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tutorpay_notification_queue_length",
			Help: "Current length of the notification queue",
		},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordPayment(method string) {
	BookingPaymentsTotal.WithLabelValues(method).Inc()
}

func RecordCancellation(initiator string) {
	BookingCancellationsTotal.WithLabelValues(initiator).Inc()
}

func RecordAuditRun(status string, discrepancies int) {
	AuditRunsTotal.WithLabelValues(status).Inc()
	AuditDiscrepancies.Set(float64(discrepancies))
}

func RecordNotification(notifType, status string) {
	NotificationsTotal.WithLabelValues(notifType, status).Inc()
}
