package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Charge attempts made by the scheduler
	billingAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_attempts_total",
		Help: "Total recurring charge attempts",
	}, []string{
		"invoice_kind", // subscription, setup_fee
		"outcome",      // succeeded, declined, transient_error, error
	})

	billingRevenueMinor = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_revenue_minor_units_total",
		Help: "Collected recurring revenue in minor currency units",
	}, []string{
		"currency",
	})

	gatewayChargeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "billing_gateway_charge_duration_seconds",
		Help: "Time spent waiting on the payment gateway per charge",
		// Buckets: 100ms to 30s (gateway timeout)
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{
		"outcome",
	})

	gatewayCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_gateway_circuit_state",
		Help: "Payment gateway circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	// Sweep metrics
	billingSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "billing_sweep_duration_seconds",
		Help:    "Duration of a full scheduler sweep",
		Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300},
	})

	billingSweepSubscriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_sweep_subscriptions_total",
		Help: "Subscriptions seen by scheduler sweeps, by result",
	}, []string{
		"result", // succeeded, failed, canceled, skipped
	})

	billingTicksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_ticks_skipped_total",
		Help: "Scheduler ticks skipped because another sweep held the guard",
	}, []string{
		"reason", // in_progress, locked
	})

	// Subscription state changes
	subscriptionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_transitions_total",
		Help: "Subscription status transitions",
	}, []string{
		"from",
		"to",
	})

	// Webhook delivery metrics
	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Total webhook delivery attempts",
	}, []string{
		"event_type",
		"status", // success, failed, dropped
	})

	webhookDeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_delivery_duration_seconds",
		Help:    "Time to deliver webhook",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{
		"event_type",
	})

	// Plan catalog cache
	planCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plan_cache_lookups_total",
		Help: "Plan catalog cache lookups",
	}, []string{
		"result", // hit, miss
	})
)

// RecordBillingAttempt records one charge attempt against an invoice.
// Only succeeded attempts count toward revenue.
func RecordBillingAttempt(invoiceKind, outcome string, amount int64, currency string, durationSeconds float64) {
	billingAttemptsTotal.WithLabelValues(invoiceKind, outcome).Inc()
	gatewayChargeDuration.WithLabelValues(outcome).Observe(durationSeconds)

	if outcome == "succeeded" {
		billingRevenueMinor.WithLabelValues(currency).Add(float64(amount))
	}
}

// RecordGatewayCircuitState records the breaker state in front of the payment gateway
func RecordGatewayCircuitState(state int) {
	gatewayCircuitState.Set(float64(state))
}

// RecordSweep records the outcome of one scheduler sweep
func RecordSweep(durationSeconds float64, succeeded, failed, canceled, skipped int) {
	billingSweepDuration.Observe(durationSeconds)
	billingSweepSubscriptions.WithLabelValues("succeeded").Add(float64(succeeded))
	billingSweepSubscriptions.WithLabelValues("failed").Add(float64(failed))
	billingSweepSubscriptions.WithLabelValues("canceled").Add(float64(canceled))
	billingSweepSubscriptions.WithLabelValues("skipped").Add(float64(skipped))
}

// RecordTickSkipped records a tick that did not run
func RecordTickSkipped(reason string) {
	billingTicksSkipped.WithLabelValues(reason).Inc()
}

// RecordSubscriptionTransition records a subscription status change
func RecordSubscriptionTransition(from, to string) {
	if from == to {
		return
	}
	subscriptionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordWebhookDelivery records webhook delivery
func RecordWebhookDelivery(eventType, status string, durationSeconds float64) {
	webhookDeliveriesTotal.WithLabelValues(eventType, status).Inc()
	webhookDeliveryDuration.WithLabelValues(eventType).Observe(durationSeconds)
}

// RecordPlanCacheLookup records a plan catalog cache hit or miss
func RecordPlanCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	planCacheLookups.WithLabelValues(result).Inc()
}
