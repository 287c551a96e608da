package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Billing holds the collectors for the webhook and billing flows. A nil
// *Billing is valid and records nothing.
type Billing struct {
	webhookEvents     *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	handlerAttempts   *prometheus.CounterVec
	dunningTransition *prometheus.CounterVec
	gatewayErrors     *prometheus.CounterVec
}

// NewBilling creates the billing collectors and registers them with reg.
func NewBilling(reg prometheus.Registerer) *Billing {
	m := &Billing{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convertviral",
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "convertviral",
			Subsystem: "billing",
			Name:      "webhook_duration_seconds",
			Help:      "Time spent processing a webhook delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		handlerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convertviral",
			Subsystem: "billing",
			Name:      "handler_attempts_total",
			Help:      "Handler executions including retries.",
		}, []string{"type", "result"}),
		dunningTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convertviral",
			Subsystem: "billing",
			Name:      "dunning_transitions_total",
			Help:      "Subscription status changes caused by failed payments.",
		}, []string{"status"}),
		gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convertviral",
			Subsystem: "billing",
			Name:      "gateway_errors_total",
			Help:      "Payment provider API errors by operation.",
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(m.webhookEvents, m.webhookDuration, m.handlerAttempts, m.dunningTransition, m.gatewayErrors)
	}
	return m
}

func (m *Billing) WebhookObserved(eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
	m.webhookDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

func (m *Billing) HandlerAttempt(eventType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.handlerAttempts.WithLabelValues(eventType, result).Inc()
}

func (m *Billing) DunningTransition(status string) {
	if m == nil {
		return
	}
	m.dunningTransition.WithLabelValues(status).Inc()
}

func (m *Billing) GatewayError(operation string) {
	if m == nil {
		return
	}
	m.gatewayErrors.WithLabelValues(operation).Inc()
}
