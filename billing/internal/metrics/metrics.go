package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Deliveries by terminal HTTP-side outcome: acknowledged or one of the
	// rejection codes (invalid_signature, payload_too_large, rate_limited, ...).
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_billing_webhook_deliveries_total",
			Help: "Total number of webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_billing_webhook_delivery_bytes_total",
			Help: "Total bytes of webhook bodies received",
		},
	)

	UnverifiedDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_billing_webhook_unverified_total",
			Help: "Deliveries accepted without signature verification",
		},
	)

	// Dispatch outcomes per event type: dispatched, unregistered, failed, timed_out.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_billing_dispatch_total",
			Help: "Total number of dispatched events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_billing_dispatch_duration_seconds",
			Help:    "Duration of handler execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	DLQWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_billing_dlq_writes_total",
			Help: "Dead-letter writes by reason and result",
		},
		[]string{"reason", "result"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_billing_rate_limit_hits_total",
			Help: "Total number of rate-limited webhook requests",
		},
	)

	// Ledger writes skipped because the event id was already applied.
	DuplicateEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_billing_duplicate_events_total",
			Help: "Events whose side effects were already recorded",
		},
		[]string{"event_type"},
	)
)
