package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/convertviral/convertviral/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_DuplicateDeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	h.withActiveSubscription("sub_1")
	ctx := context.Background()
	body, sig := signedDelivery(t, "evt_1", "customer.subscription.deleted", map[string]interface{}{"id": "sub_1"})

	first := h.proc.Process(ctx, body, sig)
	require.Equal(t, http.StatusOK, first.StatusCode)
	assert.True(t, first.Body.Received)
	assert.False(t, first.Body.Duplicate)
	require.NotNil(t, first.Body.Result)
	assert.Equal(t, ActionSubscriptionCanceled, first.Body.Result.Action)

	sub, _ := h.repo.sub("sub_1")
	assert.Equal(t, models.BillingStatusCanceled, sub.Status)
	assert.False(t, h.repo.user(1).IsPremium)

	writes := h.repo.writeCount()
	second := h.proc.Process(ctx, body, sig)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.True(t, second.Body.Received)
	assert.True(t, second.Body.Duplicate)
	require.NotNil(t, second.Body.Result)
	assert.Equal(t, *first.Body.Result, *second.Body.Result)
	assert.Equal(t, writes, h.repo.writeCount(), "redelivery must not write")

	audit, ok := h.repo.auditEvent("evt_1")
	require.True(t, ok)
	assert.NotNil(t, audit.ProcessedAt)
	assert.Equal(t, 1, audit.Attempts)
}

func TestProcess_FourPaymentFailuresMarkUnpaid(t *testing.T) {
	h := newHarness(t)
	h.repo.addSubscription(models.BillingSubscription{
		UserID: 1, StripeSubscriptionID: "sub_2", Status: models.BillingStatusActive, PlanTier: "pro",
	})
	u := h.repo.user(1)
	u.IsPremium = true
	h.repo.addUser(u)

	for attempt := 1; attempt <= 4; attempt++ {
		body, sig := signedDelivery(t, fmt.Sprintf("evt_pf_%d", attempt), "invoice.payment_failed",
			invoiceObject("in_sub_2", "sub_2", attempt, testEventTime.Unix()))
		out := h.proc.Process(context.Background(), body, sig)
		require.Equal(t, http.StatusOK, out.StatusCode, "attempt %d: %+v", attempt, out.Body)
	}

	sub, _ := h.repo.sub("sub_2")
	assert.Equal(t, 4, sub.FailedPaymentCount)
	assert.Equal(t, models.BillingStatusUnpaid, sub.Status)
	assert.False(t, h.repo.user(1).IsPremium)
}

func TestProcess_InvalidSignatureWritesNothing(t *testing.T) {
	tests := []struct {
		name   string
		header func(valid string) string
	}{
		{name: "missing header", header: func(string) string { return "" }},
		{name: "garbage header", header: func(string) string { return "t=1,v1=deadbeef" }},
		{name: "wrong secret", header: func(string) string {
			return fmt.Sprintf("t=%d,v1=%s", time.Now().Unix(), "5257a869e7ecebeda32affa62cdca3fa51cad7e77a0e56ff536d0ce8e108d8bd")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.withActiveSubscription("sub_sig")
			writes := h.repo.writeCount()
			body, sig := signedDelivery(t, "evt_sig", "customer.subscription.deleted", map[string]interface{}{"id": "sub_sig"})

			out := h.proc.Process(context.Background(), body, tt.header(sig))
			assert.Equal(t, http.StatusBadRequest, out.StatusCode)
			assert.Equal(t, "invalid_signature", out.Body.Error)
			assert.Equal(t, writes, h.repo.writeCount())
			_, audited := h.repo.auditEvent("evt_sig")
			assert.False(t, audited)

			// The event id was never claimed.
			outcome, _, err := h.store.Claim(context.Background(), "evt_sig")
			require.NoError(t, err)
			assert.Equal(t, Claimed, outcome)
		})
	}
}

func TestProcess_TamperedBodyIsRejected(t *testing.T) {
	h := newHarness(t)
	h.withActiveSubscription("sub_t")
	body, sig := signedDelivery(t, "evt_t", "customer.subscription.deleted", map[string]interface{}{"id": "sub_t"})
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = ' '

	out := h.proc.Process(context.Background(), tampered, sig)
	assert.Equal(t, http.StatusBadRequest, out.StatusCode)
	sub, _ := h.repo.sub("sub_t")
	assert.Equal(t, models.BillingStatusActive, sub.Status)
}

func TestProcess_MissingSecretIsServerError(t *testing.T) {
	h := newHarness(t)
	proc := NewWebhookProcessor(h.svc, h.store, h.repo, nil, nil, ProcessorConfig{})
	body, sig := signedDelivery(t, "evt_cfg", "invoice.paid", map[string]interface{}{"id": "in_cfg"})

	out := proc.Process(context.Background(), body, sig)
	assert.Equal(t, http.StatusInternalServerError, out.StatusCode)
	assert.Equal(t, "webhook_not_configured", out.Body.Error)
	assert.Zero(t, h.repo.writeCount())
}

func TestProcess_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.withActiveSubscription("sub_flaky")
	h.repo.failWrites = 2
	body, sig := signedDelivery(t, "evt_flaky", "invoice.payment_failed", invoiceObject("in_flaky", "sub_flaky", 1, testEventTime.Unix()))

	out := h.proc.Process(context.Background(), body, sig)
	require.Equal(t, http.StatusOK, out.StatusCode, "%+v", out.Body)
	assert.Equal(t, 3, out.Attempts)

	sub, _ := h.repo.sub("sub_flaky")
	assert.Equal(t, 1, sub.FailedPaymentCount, "rolled back attempts must not count")
	assert.Len(t, h.gw.confirmed, 1)
}

func TestProcess_ExhaustionReleasesClaim(t *testing.T) {
	h := newHarness(t)
	body, sig := signedDelivery(t, "evt_early", "invoice.paid", paidInvoiceObject("in_early", "sub_later", testEventTime.Unix()))

	out := h.proc.Process(context.Background(), body, sig)
	assert.Equal(t, http.StatusInternalServerError, out.StatusCode)
	assert.Equal(t, "processing_failed", out.Body.Error)
	assert.Contains(t, out.Body.Message, "subscription not found")
	assert.Equal(t, 3, out.Attempts)

	audit, ok := h.repo.auditEvent("evt_early")
	require.True(t, ok)
	assert.Nil(t, audit.ProcessedAt)
	assert.NotEmpty(t, audit.ProcessingError)

	// Once the checkout event has created the subscription, redelivery succeeds.
	h.withActiveSubscription("sub_later")
	out = h.proc.Process(context.Background(), body, sig)
	require.Equal(t, http.StatusOK, out.StatusCode)
	assert.False(t, out.Body.Duplicate)
	assert.Equal(t, ActionInvoicePaid, out.Body.Result.Action)
}

func TestProcess_MissingGatewayIsNotRetried(t *testing.T) {
	h := newHarness(t)
	svc := NewService(Dependencies{Repo: h.repo, Now: func() time.Time { return testEventTime }})
	proc := NewWebhookProcessor(svc, h.store, h.repo, nil, nil, ProcessorConfig{
		WebhookSecret: testWebhookSecret,
		Retry:         RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	body, sig := signedDelivery(t, "evt_nogw", "checkout.session.completed", map[string]interface{}{
		"id": "cs_nogw", "subscription": "sub_nogw", "metadata": map[string]string{"user_id": "1"},
	})

	out := proc.Process(context.Background(), body, sig)
	assert.Equal(t, http.StatusInternalServerError, out.StatusCode)
	assert.Equal(t, "webhook_not_configured", out.Body.Error)
	assert.Equal(t, 1, out.Attempts)

	// The claim is released so a redelivery runs once the key is set.
	outcome, _, err := h.store.Claim(context.Background(), "evt_nogw")
	require.NoError(t, err)
	assert.Equal(t, Claimed, outcome)
}

// markerLossStore drops every processed marker and frees the claim, as if
// the marker write failed and the claim then expired.
type markerLossStore struct {
	IdempotencyStore
	completes int
}

func (s *markerLossStore) Complete(ctx context.Context, eventID string, _ Result) error {
	s.completes++
	_ = s.IdempotencyStore.Release(ctx, eventID)
	return errors.New("redis: connection reset")
}

func TestProcess_LostMarkerDoesNotReapply(t *testing.T) {
	h := newHarness(t)
	h.withActiveSubscription("sub_same")
	store := &markerLossStore{IdempotencyStore: h.store}
	proc := NewWebhookProcessor(h.svc, store, h.repo, nil, nil, ProcessorConfig{
		WebhookSecret: testWebhookSecret,
		Retry:         RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	})
	body, sig := signedDelivery(t, "evt_same", "invoice.payment_failed", invoiceObject("in_same", "sub_same", 1, testEventTime.Unix()))

	first := proc.Process(context.Background(), body, sig)
	require.Equal(t, http.StatusOK, first.StatusCode, "%+v", first.Body)
	assert.False(t, first.Body.Duplicate)
	assert.Equal(t, 2, store.completes, "marker writes are retried")

	writes := h.repo.writeCount()
	second := proc.Process(context.Background(), body, sig)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.True(t, second.Body.Duplicate)
	assert.Equal(t, writes, h.repo.writeCount())

	sub, _ := h.repo.sub("sub_same")
	assert.Equal(t, 1, sub.FailedPaymentCount)
	assert.Len(t, h.gw.confirmed, 1)
}

func TestProcess_MalformedObjectIsNotRetried(t *testing.T) {
	h := newHarness(t)
	body, sig := signedDelivery(t, "evt_mal", "invoice.paid", map[string]interface{}{"id": 12, "lines": "x"})

	out := h.proc.Process(context.Background(), body, sig)
	assert.Equal(t, http.StatusBadRequest, out.StatusCode)
	assert.Equal(t, "invalid_payload", out.Body.Error)
	assert.Equal(t, 1, out.Attempts)
}

func TestProcess_InFlightDeliveryConflicts(t *testing.T) {
	h := newHarness(t)
	h.withActiveSubscription("sub_if")
	outcome, _, err := h.store.Claim(context.Background(), "evt_if")
	require.NoError(t, err)
	require.Equal(t, Claimed, outcome)

	body, sig := signedDelivery(t, "evt_if", "customer.subscription.deleted", map[string]interface{}{"id": "sub_if"})
	out := h.proc.Process(context.Background(), body, sig)
	assert.Equal(t, http.StatusConflict, out.StatusCode)
	sub, _ := h.repo.sub("sub_if")
	assert.Equal(t, models.BillingStatusActive, sub.Status)
}

func TestProcess_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	h := newHarness(t)
	h.withActiveSubscription("sub_cc")
	body, sig := signedDelivery(t, "evt_cc", "invoice.payment_failed", invoiceObject("in_cc", "sub_cc", 1, testEventTime.Unix()))

	const workers = 8
	var wg sync.WaitGroup
	codes := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = h.proc.Process(context.Background(), body, sig).StatusCode
		}(i)
	}
	wg.Wait()

	sub, _ := h.repo.sub("sub_cc")
	assert.Equal(t, 1, sub.FailedPaymentCount)
	processed := 0
	for _, c := range codes {
		assert.Contains(t, []int{http.StatusOK, http.StatusConflict}, c)
		if c == http.StatusOK {
			processed++
		}
	}
	assert.GreaterOrEqual(t, processed, 1)
}

type recordingArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingArchiver) Archive(_ context.Context, eventID string, _ time.Time, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, fmt.Sprintf("%s:%d", eventID, len(payload)))
	return nil
}

func TestProcess_ArchivesClaimedPayloads(t *testing.T) {
	h := newHarness(t)
	arch := &recordingArchiver{}
	proc := NewWebhookProcessor(h.svc, h.store, h.repo, arch, nil, ProcessorConfig{WebhookSecret: testWebhookSecret})
	body, sig := signedDelivery(t, "evt_arch", "customer.created", map[string]interface{}{"id": "cus_9"})

	require.Equal(t, http.StatusOK, proc.Process(context.Background(), body, sig).StatusCode)
	require.Equal(t, http.StatusOK, proc.Process(context.Background(), body, sig).StatusCode)
	assert.Equal(t, []string{fmt.Sprintf("evt_arch:%d", len(body))}, arch.keys)
}
