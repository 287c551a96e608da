package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBilling_RecordsAgainstRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBilling(reg)

	m.WebhookObserved("invoice.paid", "processed", 20*time.Millisecond)
	m.WebhookObserved("invoice.paid", "processed", 10*time.Millisecond)
	m.WebhookObserved("", "invalid_signature", time.Millisecond)
	m.HandlerAttempt("invoice.paid", errors.New("db down"))
	m.DunningTransition("unpaid")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("invoice.paid", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("unknown", "invalid_signature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerAttempts.WithLabelValues("invoice.paid", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dunningTransition.WithLabelValues("unpaid")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBilling_NilIsNoop(t *testing.T) {
	var m *Billing
	assert.NotPanics(t, func() {
		m.WebhookObserved("x", "y", time.Second)
		m.HandlerAttempt("x", nil)
		m.DunningTransition("past_due")
		m.GatewayError("confirm_payment_intent")
	})
}
