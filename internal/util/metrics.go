package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_backend_request_duration_seconds",
		Help:    "Latency of requests sent to the ticketing backend",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	BackendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_backend_requests_total",
		Help: "Total number of backend requests by outcome kind",
	}, []string{"method", "kind"})

	SessionExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_session_expired_total",
		Help: "Total number of 401 responses that cleared the session",
	})

	HoldsReservedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_holds_reserved_total",
		Help: "Total number of seat holds granted",
	})

	HoldsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_holds_rejected_total",
		Help: "Total number of seat hold requests rejected",
	}, []string{"reason"})

	HoldReleaseFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_hold_release_failures_total",
		Help: "Total number of best-effort hold releases that failed",
	})

	CartMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_cart_mutations_total",
		Help: "Total number of cart mutations by operation and result",
	}, []string{"op", "result"})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrdersRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_orders_refunded_total",
		Help: "Total number of refund requests accepted",
	})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_payment_attempts_total",
		Help: "Total number of payment initiations by method",
	}, []string{"method"})

	PaymentSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_payment_success_total",
		Help: "Total number of payments observed as completed",
	})

	PaymentFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_payment_failed_total",
		Help: "Total number of payments observed as failed",
	})

	PaymentPollAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_payment_poll_attempts_total",
		Help: "Total number of payment verification polls",
	})

	PaymentPollTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_payment_poll_timeouts_total",
		Help: "Total number of polls that gave up while the payment was still pending",
	})

	TicketsMaterializedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_tickets_materialized_total",
		Help: "Total number of tickets merged into the local ledger",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
