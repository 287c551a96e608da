package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/convertviral/convertviral/app/models"
	"github.com/convertviral/convertviral/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2/log"
)

func decodeObject(ev Event, v interface{}) error {
	if len(ev.Object) == 0 {
		return Permanent(fmt.Errorf("%w: event %s has no data.object", ErrInvalidPayload, ev.ID))
	}
	if err := json.Unmarshal(ev.Object, v); err != nil {
		return Permanent(fmt.Errorf("%w: decode %s object: %v", ErrInvalidPayload, ev.Type, err))
	}
	return nil
}

func (s *Service) eventTime(ev Event) time.Time {
	if !ev.Created.IsZero() {
		return ev.Created.UTC()
	}
	return s.now().UTC()
}

func parseUserID(raw string) (uint, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, ev Event) (Result, error) {
	var p CheckoutSessionPayload
	if err := decodeObject(ev, &p); err != nil {
		return Result{}, err
	}

	rawUserID := p.Metadata["user_id"]
	if rawUserID == "" {
		rawUserID = p.ClientReferenceID
	}
	userID, ok := parseUserID(rawUserID)
	if !ok {
		return Result{}, fmt.Errorf("checkout session %s: missing or invalid user_id in metadata", p.ID)
	}
	subID := p.Subscription.String()
	if subID == "" {
		return Result{}, fmt.Errorf("checkout session %s: no subscription attached", p.ID)
	}

	if s.gateway == nil {
		return Result{}, fmt.Errorf("checkout session %s: %w", p.ID, ErrNotConfigured)
	}
	snap, err := s.gateway.GetSubscription(ctx, subID)
	if err != nil {
		s.metrics.GatewayError("get_subscription")
		err = fmt.Errorf("fetch subscription %s: %w", subID, err)
		if !isTransientGatewayError(err) {
			return Result{}, Permanent(err)
		}
		return Result{}, err
	}

	customerID := p.Customer.String()
	if customerID == "" {
		customerID = snap.CustomerID
	}
	status := snap.Status
	switch status {
	case models.BillingStatusActive, models.BillingStatusTrialing, models.BillingStatusPastDue,
		models.BillingStatusCanceled, models.BillingStatusUnpaid:
	default:
		// The session completed, so the first payment was collected.
		status = models.BillingStatusActive
	}

	var res Result
	err = s.repo.WithTx(ctx, func(repo Repository) error {
		if _, err := repo.GetUserByID(ctx, userID); err != nil {
			return fmt.Errorf("checkout session %s: user %d: %w", p.ID, userID, err)
		}

		sub, err := repo.GetSubscriptionByStripeID(ctx, subID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			sub = &models.BillingSubscription{StripeSubscriptionID: subID}
		} else if err != nil {
			return err
		}
		sub.UserID = userID
		sub.StripeCustomerID = customerID
		sub.StripePriceID = snap.PriceID
		sub.PlanTier = string(entitlements.PlanFromPriceID(snap.PriceID))
		sub.Status = status
		sub.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
		if snap.CurrentPeriodEnd != nil {
			sub.CurrentPeriodEnd = snap.CurrentPeriodEnd
		}
		if err := repo.UpsertSubscription(ctx, sub); err != nil {
			return err
		}

		if customerID != "" {
			if err := repo.UpdateUserBilling(ctx, userID, UserBillingUpdate{StripeCustomerID: &customerID}); err != nil {
				return err
			}
		}
		completedAt := s.eventTime(ev)
		if err := repo.UpdateCheckoutSessionStatus(ctx, p.ID, models.CheckoutStatusComplete, &completedAt); err != nil {
			return err
		}

		premium, _, err := s.ReconcileUser(ctx, repo, userID)
		if err != nil {
			return err
		}
		res = Result{
			Action:         ActionSubscriptionActivated,
			SubscriptionID: subID,
			UserID:         userID,
			Status:         sub.Status,
			Premium:        boolPtr(premium),
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	log.Infof("[Billing] Checkout %s activated subscription %s for user %d (plan %s)", p.ID, subID, userID, entitlements.PlanFromPriceID(snap.PriceID))
	return res, nil
}

// upsertInvoice stores the invoice by external id. Paid invoices only take
// metadata changes.
func (s *Service) upsertInvoice(ctx context.Context, repo Repository, p *InvoicePayload, sub *models.BillingSubscription, status string) error {
	metadata := ""
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return err
		}
		metadata = string(raw)
	}

	existing, err := repo.GetInvoiceByStripeID(ctx, p.ID)
	if err != nil && !errors.Is(err, ErrInvoiceNotFound) {
		return err
	}
	if existing != nil && existing.IsPaid() {
		if existing.MetadataJSON == metadata {
			return nil
		}
		return repo.UpdateInvoiceMetadata(ctx, p.ID, metadata)
	}

	inv := &models.BillingInvoice{
		UserID:                sub.UserID,
		SubscriptionID:        sub.ID,
		StripeInvoiceID:       p.ID,
		StripeSubscriptionID:  sub.StripeSubscriptionID,
		StripePaymentIntentID: p.PaymentIntentID(),
		Status:                status,
		Currency:              strings.ToLower(p.Currency),
		Subtotal:              p.Subtotal,
		Tax:                   p.TaxAmount(),
		Total:                 p.Total,
		AmountPaid:            p.AmountPaid,
		AmountDue:             p.AmountDue,
		HostedInvoiceURL:      p.HostedInvoiceURL,
		PeriodStart:           unixToTime(p.PeriodStart),
		PeriodEnd:             unixToTime(p.PeriodEnd),
		MetadataJSON:          metadata,
	}
	if status == models.InvoiceStatusPaid {
		inv.PaidAt = unixToTime(p.StatusTransitions.PaidAt)
	}
	if existing != nil {
		inv.ID = existing.ID
		if inv.StripePaymentIntentID == "" {
			inv.StripePaymentIntentID = existing.StripePaymentIntentID
		}
	}
	return repo.UpsertInvoice(ctx, inv)
}

func (s *Service) handleInvoicePaid(ctx context.Context, ev Event) (Result, error) {
	var p InvoicePayload
	if err := decodeObject(ev, &p); err != nil {
		return Result{}, err
	}
	subID := p.SubscriptionID()
	if subID == "" {
		return ignored("invoice " + p.ID + " is not linked to a subscription"), nil
	}

	var res Result
	err := s.repo.WithTx(ctx, func(repo Repository) error {
		sub, err := repo.GetSubscriptionByStripeID(ctx, subID)
		if err != nil {
			return fmt.Errorf("invoice %s: subscription %s: %w", p.ID, subID, err)
		}

		paidAt := s.eventTime(ev)
		if t := unixToTime(p.StatusTransitions.PaidAt); t != nil {
			paidAt = *t
		}
		if sub.Status == models.BillingStatusCanceled {
			log.Warnf("[Billing] Invoice %s paid for canceled subscription %s; status left unchanged", p.ID, subID)
			t := paidAt.UTC()
			sub.LastPaymentSucceededAt = &t
		} else {
			s.dunning.OnRecovery(sub, paidAt)
		}
		if end := unixToTime(p.ServicePeriodEnd()); end != nil {
			sub.CurrentPeriodEnd = end
		}
		sub.LatestInvoiceID = p.ID
		if err := repo.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		if err := s.upsertInvoice(ctx, repo, &p, sub, models.InvoiceStatusPaid); err != nil {
			return err
		}

		premium, _, err := s.ReconcileUser(ctx, repo, sub.UserID)
		if err != nil {
			return err
		}
		res = Result{
			Action:         ActionInvoicePaid,
			SubscriptionID: subID,
			UserID:         sub.UserID,
			Status:         sub.Status,
			Premium:        boolPtr(premium),
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, ev Event) (Result, error) {
	var p InvoicePayload
	if err := decodeObject(ev, &p); err != nil {
		return Result{}, err
	}
	subID := p.SubscriptionID()
	if subID == "" {
		return ignored("invoice " + p.ID + " is not linked to a subscription"), nil
	}

	var (
		res      Result
		decision DunningDecision
		previous string
	)
	err := s.repo.WithTx(ctx, func(repo Repository) error {
		sub, err := repo.GetSubscriptionByStripeID(ctx, subID)
		if err != nil {
			return fmt.Errorf("invoice %s: subscription %s: %w", p.ID, subID, err)
		}
		previous = sub.Status
		decision = s.dunning.OnFailure(sub, s.eventTime(ev))
		sub.LatestInvoiceID = p.ID
		if err := repo.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		status := p.Status
		if status == "" {
			status = models.InvoiceStatusOpen
		}
		if err := s.upsertInvoice(ctx, repo, &p, sub, status); err != nil {
			return err
		}

		premium, _, err := s.ReconcileUser(ctx, repo, sub.UserID)
		if err != nil {
			return err
		}
		res = Result{
			Action:         ActionPaymentFailed,
			SubscriptionID: subID,
			UserID:         sub.UserID,
			Status:         sub.Status,
			Premium:        boolPtr(premium),
			Note:           fmt.Sprintf("failed_payment_count=%d", decision.FailedCount),
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if decision.Status != previous {
		s.metrics.DunningTransition(decision.Status)
	}
	if decision.Exhausted {
		log.Warnw("[Billing] Dunning exhausted, subscription marked unpaid",
			"event_id", ev.ID, "subscription_id", subID, "user_id", res.UserID, "failed_payment_count", decision.FailedCount)
	}
	if decision.RetryPayment {
		s.retryPayment(ctx, ev, p.PaymentIntentID(), subID)
	}
	return res, nil
}

// retryPayment re-confirms the payment intent once. Its failure never fails the event.
func (s *Service) retryPayment(ctx context.Context, ev Event, paymentIntentID, subID string) {
	if paymentIntentID == "" || s.gateway == nil {
		return
	}
	if err := s.gateway.ConfirmPaymentIntent(ctx, paymentIntentID, "dunning-retry-"+ev.ID); err != nil {
		s.metrics.GatewayError("confirm_payment_intent")
		log.Warnw("[Billing] Automatic payment retry failed",
			"event_id", ev.ID, "payment_intent", paymentIntentID, "subscription_id", subID, "error", err)
		return
	}
	log.Infof("[Billing] Re-confirmed payment intent %s for subscription %s", paymentIntentID, subID)
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, ev Event) (Result, error) {
	var p SubscriptionPayload
	if err := decodeObject(ev, &p); err != nil {
		return Result{}, err
	}
	if p.ID == "" {
		return Result{}, Permanent(fmt.Errorf("%w: subscription without id", ErrInvalidPayload))
	}

	var res Result
	err := s.repo.WithTx(ctx, func(repo Repository) error {
		sub, err := repo.GetSubscriptionByStripeID(ctx, p.ID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			sub, err = s.subscriptionFromPayload(ctx, repo, &p)
		}
		if err != nil {
			return fmt.Errorf("subscription %s: %w", p.ID, err)
		}

		if sub.Status == models.BillingStatusCanceled && p.Status != models.BillingStatusCanceled {
			log.Warnf("[Billing] Ignoring status %q for canceled subscription %s", p.Status, p.ID)
		} else if p.Status != "" {
			sub.Status = p.Status
		}
		sub.CancelAtPeriodEnd = p.CancelAtPeriodEnd
		if end := unixToTime(p.PeriodEnd()); end != nil {
			sub.CurrentPeriodEnd = end
		}
		if priceID := p.PriceID(); priceID != "" {
			sub.StripePriceID = priceID
			sub.PlanTier = string(entitlements.PlanFromPriceID(priceID))
		}
		if sub.Status == models.BillingStatusCanceled && sub.CanceledAt == nil {
			sub.CanceledAt = unixToTime(p.CanceledAt)
		}
		if p.Customer != "" {
			sub.StripeCustomerID = p.Customer.String()
		}
		if err := repo.UpsertSubscription(ctx, sub); err != nil {
			return err
		}

		premium, _, err := s.ReconcileUser(ctx, repo, sub.UserID)
		if err != nil {
			return err
		}
		res = Result{
			Action:         ActionSubscriptionUpdated,
			SubscriptionID: p.ID,
			UserID:         sub.UserID,
			Status:         sub.Status,
			Premium:        boolPtr(premium),
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// subscriptionFromPayload builds a new local row for a subscription the
// checkout flow has not recorded yet. The owner comes from the subscription
// metadata or the customer id.
func (s *Service) subscriptionFromPayload(ctx context.Context, repo Repository, p *SubscriptionPayload) (*models.BillingSubscription, error) {
	if id, ok := parseUserID(p.Metadata["user_id"]); ok {
		if _, err := repo.GetUserByID(ctx, id); err != nil {
			return nil, err
		}
		return &models.BillingSubscription{StripeSubscriptionID: p.ID, UserID: id}, nil
	}
	if p.Customer != "" {
		user, err := repo.GetUserByCustomerID(ctx, p.Customer.String())
		if err == nil {
			return &models.BillingSubscription{StripeSubscriptionID: p.ID, UserID: user.ID}, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, ev Event) (Result, error) {
	var p SubscriptionPayload
	if err := decodeObject(ev, &p); err != nil {
		return Result{}, err
	}
	if p.ID == "" {
		return Result{}, Permanent(fmt.Errorf("%w: subscription without id", ErrInvalidPayload))
	}

	var res Result
	err := s.repo.WithTx(ctx, func(repo Repository) error {
		sub, err := repo.GetSubscriptionByStripeID(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("subscription %s: %w", p.ID, err)
		}
		sub.Status = models.BillingStatusCanceled
		sub.CancelAtPeriodEnd = false
		canceledAt := unixToTime(p.CanceledAt)
		if canceledAt == nil {
			canceledAt = unixToTime(p.EndedAt)
		}
		if canceledAt == nil {
			t := s.eventTime(ev)
			canceledAt = &t
		}
		sub.CanceledAt = canceledAt
		if err := repo.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		premium, _, err := s.ReconcileUser(ctx, repo, sub.UserID)
		if err != nil {
			return err
		}
		res = Result{
			Action:         ActionSubscriptionCanceled,
			SubscriptionID: p.ID,
			UserID:         sub.UserID,
			Status:         sub.Status,
			Premium:        boolPtr(premium),
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	log.Infof("[Billing] Subscription %s canceled for user %d", p.ID, res.UserID)
	return res, nil
}

func (s *Service) handlePaymentIntentSucceeded(ctx context.Context, ev Event) (Result, error) {
	var p PaymentIntentPayload
	if err := decodeObject(ev, &p); err != nil {
		return Result{}, err
	}

	var res Result
	err := s.repo.WithTx(ctx, func(repo Repository) error {
		subID := p.Metadata["subscription_id"]
		inv, err := invoiceForPaymentIntent(ctx, repo, &p)
		if err != nil {
			return err
		}
		if inv != nil && inv.StripeSubscriptionID != "" {
			subID = inv.StripeSubscriptionID
		}
		if subID == "" {
			res = ignored("payment intent " + p.ID + " is not linked to a subscription")
			return nil
		}

		sub, err := repo.GetSubscriptionByStripeID(ctx, subID)
		if err != nil {
			return fmt.Errorf("payment intent %s: subscription %s: %w", p.ID, subID, err)
		}
		if sub.Status == models.BillingStatusCanceled {
			sub.FailedPaymentCount = 0
			t := s.eventTime(ev)
			sub.LastPaymentSucceededAt = &t
		} else {
			s.dunning.OnRecovery(sub, s.eventTime(ev))
		}
		if err := repo.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		premium, _, err := s.ReconcileUser(ctx, repo, sub.UserID)
		if err != nil {
			return err
		}
		res = Result{
			Action:         ActionPaymentRecovered,
			SubscriptionID: subID,
			UserID:         sub.UserID,
			Status:         sub.Status,
			Premium:        boolPtr(premium),
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// invoiceForPaymentIntent finds the local invoice a payment intent pays.
// Newer API versions drop the invoice field from payment intents, so the
// payment intent id stored from the invoice payload is the fallback.
func invoiceForPaymentIntent(ctx context.Context, repo Repository, p *PaymentIntentPayload) (*models.BillingInvoice, error) {
	if p.Invoice != "" {
		inv, err := repo.GetInvoiceByStripeID(ctx, p.Invoice.String())
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, ErrInvoiceNotFound) {
			return nil, err
		}
	}
	inv, err := repo.GetInvoiceByPaymentIntentID(ctx, p.ID)
	if errors.Is(err, ErrInvoiceNotFound) {
		return nil, nil
	}
	return inv, err
}

// handlePaymentIntentFailed only logs. The matching invoice.payment_failed
// event owns the failure counter.
func (s *Service) handlePaymentIntentFailed(_ context.Context, ev Event) (Result, error) {
	var p PaymentIntentPayload
	if err := decodeObject(ev, &p); err != nil {
		return Result{}, err
	}
	kv := []interface{}{"event_id", ev.ID, "payment_intent", p.ID, "customer", p.Customer.String(), "invoice", p.Invoice.String()}
	if p.LastPaymentError != nil {
		kv = append(kv, "code", p.LastPaymentError.Code, "decline_code", p.LastPaymentError.DeclineCode, "message", p.LastPaymentError.Message)
	}
	log.Warnw("[Billing] Payment intent failed", kv...)
	return Result{Action: ActionLogged, Note: "payment intent " + p.ID + " failed"}, nil
}
