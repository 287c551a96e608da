package billing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/convertviral/convertviral/app/models"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_convertviral"

var testEventTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	repo  *memRepo
	gw    *fakeGateway
	svc   *Service
	store *MemoryIdempotencyStore
	proc  *WebhookProcessor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:  newMemRepo(),
		gw:    newFakeGateway(),
		store: NewMemoryIdempotencyStore(time.Hour, time.Minute),
	}
	h.svc = NewService(Dependencies{
		Repo:    h.repo,
		Gateway: h.gw,
		Now:     func() time.Time { return testEventTime },
	})
	h.proc = NewWebhookProcessor(h.svc, h.store, h.repo, nil, nil, ProcessorConfig{
		WebhookSecret: testWebhookSecret,
		Retry:         RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	h.repo.addUser(models.User{ID: 1, Name: "Ada Lovelace", Email: "ada@example.com"})
	return h
}

// withActiveSubscription seeds sub_id for user 1 as an active pro subscription.
func (h *harness) withActiveSubscription(subID string) {
	h.repo.addSubscription(models.BillingSubscription{
		UserID:               1,
		StripeSubscriptionID: subID,
		StripeCustomerID:     "cus_1",
		StripePriceID:        "price_pro_monthly",
		PlanTier:             "pro",
		Status:               models.BillingStatusActive,
	})
	u := h.repo.user(1)
	u.IsPremium = true
	u.PlanTier = "pro"
	h.repo.addUser(u)
}

func makeEvent(t *testing.T, id, eventType string, obj interface{}) Event {
	t.Helper()
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	return Event{ID: id, Type: eventType, Created: testEventTime, Object: raw}
}

// signedDelivery builds a webhook body and a valid Stripe-Signature header.
func signedDelivery(t *testing.T, id, eventType string, obj interface{}) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     testEventTime.Unix(),
		"livemode":    false,
		"api_version": "2025-03-31.basil",
		"data":        map[string]interface{}{"object": obj},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func invoiceObject(id, subID string, attempt int, periodEnd int64) map[string]interface{} {
	return map[string]interface{}{
		"id":                 id,
		"object":             "invoice",
		"customer":           "cus_1",
		"subscription":       subID,
		"payment_intent":     "pi_" + id,
		"status":             "open",
		"currency":           "eur",
		"subtotal":           999,
		"tax":                190,
		"total":              1189,
		"amount_paid":        0,
		"amount_due":         1189,
		"attempt_count":      attempt,
		"hosted_invoice_url": "https://invoice.stripe.com/i/" + id,
		"period_start":       periodEnd - 30*24*3600,
		"period_end":         periodEnd,
		"lines": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{"period": map[string]interface{}{"start": periodEnd - 30*24*3600, "end": periodEnd}},
			},
		},
	}
}

func paidInvoiceObject(id, subID string, periodEnd int64) map[string]interface{} {
	obj := invoiceObject(id, subID, 1, periodEnd)
	obj["status"] = "paid"
	obj["amount_paid"] = 1189
	obj["amount_due"] = 0
	obj["status_transitions"] = map[string]interface{}{"paid_at": testEventTime.Unix()}
	return obj
}

// basilInvoiceObject is invoiceObject in the 2025-03-31.basil shape, where the
// subscription sits under parent and the payment intent under payments.
func basilInvoiceObject(id, subID, paymentIntentID string, attempt int, periodEnd int64) map[string]interface{} {
	obj := invoiceObject(id, "", attempt, periodEnd)
	delete(obj, "subscription")
	delete(obj, "payment_intent")
	obj["parent"] = map[string]interface{}{
		"subscription_details": map[string]interface{}{"subscription": subID},
	}
	obj["payments"] = map[string]interface{}{
		"data": []interface{}{
			map[string]interface{}{"payment": map[string]interface{}{"type": "payment_intent", "payment_intent": paymentIntentID}},
		},
	}
	return obj
}
