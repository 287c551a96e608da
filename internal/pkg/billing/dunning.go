package billing

import (
	"time"

	"github.com/convertviral/convertviral/app/models"
)

// DefaultMaxFailedPayments is how many failures a subscription survives in
// past_due before it is marked unpaid.
const DefaultMaxFailedPayments = 3

// DunningPolicy decides what a failed recurring payment does to a subscription.
type DunningPolicy struct {
	MaxFailures int
	// RetryOnFirstFailure re-confirms the payment intent once after the
	// first failure of a streak.
	RetryOnFirstFailure bool
}

// DefaultDunningPolicy returns the policy used by the webhook flow.
func DefaultDunningPolicy() DunningPolicy {
	return DunningPolicy{MaxFailures: DefaultMaxFailedPayments, RetryOnFirstFailure: true}
}

// DunningDecision is the outcome of applying the policy to one failure.
type DunningDecision struct {
	FailedCount  int
	Status       string
	RetryPayment bool
	// Exhausted is set when the failure pushed the subscription to unpaid.
	Exhausted bool
}

// OnFailure applies one failed payment to sub in place and returns the decision.
// Canceled subscriptions keep their status; only the counters move.
func (p DunningPolicy) OnFailure(sub *models.BillingSubscription, failedAt time.Time) DunningDecision {
	limit := p.MaxFailures
	if limit <= 0 {
		limit = DefaultMaxFailedPayments
	}

	sub.FailedPaymentCount++
	t := failedAt.UTC()
	sub.LastPaymentFailedAt = &t

	d := DunningDecision{FailedCount: sub.FailedPaymentCount}
	switch {
	case sub.Status == models.BillingStatusCanceled:
	case sub.FailedPaymentCount > limit:
		d.Exhausted = sub.Status != models.BillingStatusUnpaid
		sub.Status = models.BillingStatusUnpaid
	case sub.Status != models.BillingStatusUnpaid:
		sub.Status = models.BillingStatusPastDue
	}
	d.Status = sub.Status
	d.RetryPayment = p.RetryOnFirstFailure && sub.FailedPaymentCount == 1 && sub.Status != models.BillingStatusCanceled
	return d
}

// OnRecovery resets the failure streak after a successful payment and
// brings past_due or unpaid subscriptions back to active.
func (p DunningPolicy) OnRecovery(sub *models.BillingSubscription, paidAt time.Time) {
	sub.FailedPaymentCount = 0
	t := paidAt.UTC()
	sub.LastPaymentSucceededAt = &t
	switch sub.Status {
	case models.BillingStatusPastDue, models.BillingStatusUnpaid:
		sub.Status = models.BillingStatusActive
	}
}
