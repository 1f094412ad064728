package obs

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentInitiateTotal counts initiate outcomes per provider.
	PaymentInitiateTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// PaymentTransitionTotal counts ledger transitions into a terminal status.
	PaymentTransitionTotal *prometheus.CounterVec
	// PaymentReconcileTotal counts reconciliation outcomes.
	PaymentReconcileTotal *prometheus.CounterVec
	// ProviderCallDuration records outbound provider latency in milliseconds.
	ProviderCallDuration *prometheus.HistogramVec
	// AdapterCacheTotal counts registry lookups by cache outcome.
	AdapterCacheTotal *prometheus.CounterVec
	// WebhookDeliveriesTotal tracks downstream notification outcomes.
	WebhookDeliveriesTotal *prometheus.CounterVec
	// WebhookAttemptLatency records delivery attempt latency in milliseconds.
	WebhookAttemptLatency *prometheus.HistogramVec
	// WebhookDispatchDLQ counts deliveries moved to dead-letter queue.
	WebhookDispatchDLQ prometheus.Counter
	// WebhookDispatchAttempts counts queued delivery attempts.
	WebhookDispatchAttempts prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentInitiateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_initiate_total",
			Help:      "Count of payment initiation outcomes.",
		}, []string{"provider", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"provider", "result"})
		PaymentTransitionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transition_total",
			Help:      "Count of ledger transitions into a terminal status.",
		}, []string{"provider", "status", "source"})
		PaymentReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_reconcile_total",
			Help:      "Count of reconciliation outcomes.",
		}, []string{"provider", "result"})
		ProviderCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_provider_call_duration_ms",
			Help:      "Latency of outbound provider calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "operation", "result"})
		AdapterCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_adapter_cache_total",
			Help:      "Adapter registry lookups by cache outcome.",
		}, []string{"provider", "result"})
		WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Count of downstream notification delivery outcomes.",
		}, []string{"result"})
		WebhookAttemptLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_attempt_duration_ms",
			Help:      "Latency for downstream notification attempts in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"result"})
		WebhookDispatchDLQ = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_dispatch_dlq_total",
			Help:      "Number of downstream notifications moved to the dead-letter queue.",
		})
		WebhookDispatchAttempts = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_dispatch_attempts_total",
			Help:      "Number of queued downstream notification attempts.",
		})

		reuseCounterVec := func(target **prometheus.CounterVec) func(prometheus.Collector) {
			return func(existing prometheus.Collector) {
				if v, ok := existing.(*prometheus.CounterVec); ok {
					*target = v
				}
			}
		}
		reuseHistogramVec := func(target **prometheus.HistogramVec) func(prometheus.Collector) {
			return func(existing prometheus.Collector) {
				if v, ok := existing.(*prometheus.HistogramVec); ok {
					*target = v
				}
			}
		}
		mustRegisterCollector(reg, PaymentInitiateTotal, reuseCounterVec(&PaymentInitiateTotal))
		mustRegisterCollector(reg, PaymentWebhookTotal, reuseCounterVec(&PaymentWebhookTotal))
		mustRegisterCollector(reg, PaymentTransitionTotal, reuseCounterVec(&PaymentTransitionTotal))
		mustRegisterCollector(reg, PaymentReconcileTotal, reuseCounterVec(&PaymentReconcileTotal))
		mustRegisterCollector(reg, ProviderCallDuration, reuseHistogramVec(&ProviderCallDuration))
		mustRegisterCollector(reg, AdapterCacheTotal, reuseCounterVec(&AdapterCacheTotal))
		mustRegisterCollector(reg, WebhookDeliveriesTotal, reuseCounterVec(&WebhookDeliveriesTotal))
		mustRegisterCollector(reg, WebhookAttemptLatency, reuseHistogramVec(&WebhookAttemptLatency))
		mustRegisterCollector(reg, WebhookDispatchDLQ, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				WebhookDispatchDLQ = v
			}
		})
		mustRegisterCollector(reg, WebhookDispatchAttempts, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				WebhookDispatchAttempts = v
			}
		})
	})
}

// CountInc increments vec when domain metrics are registered.
func CountInc(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

// ObserveProviderCall records one outbound provider call.
func ObserveProviderCall(provider, operation, result string, took time.Duration) {
	if ProviderCallDuration == nil {
		return
	}
	ProviderCallDuration.WithLabelValues(provider, operation, result).Observe(DurationMillis(took))
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
