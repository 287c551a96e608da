package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/convertviral/convertviral/app/models"
	"github.com/convertviral/convertviral/internal/pkg/entitlements"
	"github.com/convertviral/convertviral/internal/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// CheckoutOptions controls what hosted checkout collects.
type CheckoutOptions struct {
	TaxIDCollection bool
	AutomaticTax    bool
}

// Dependencies are the collaborators the billing service is built from.
type Dependencies struct {
	Repo     Repository
	Gateway  Gateway
	Dunning  DunningPolicy
	Metrics  *metrics.Billing
	Checkout CheckoutOptions
	// Now is overridable in tests.
	Now func() time.Time
}

// Service reconciles provider billing state into local tables and serves
// the explicit billing actions of the account pages.
type Service struct {
	repo     Repository
	gateway  Gateway
	dunning  DunningPolicy
	metrics  *metrics.Billing
	checkout CheckoutOptions
	validate *validator.Validate
	now      func() time.Time
	handlers map[string]eventHandler
}

// NewService creates a billing service from injected dependencies.
func NewService(deps Dependencies) *Service {
	s := &Service{
		repo:     deps.Repo,
		gateway:  deps.Gateway,
		dunning:  deps.Dunning,
		metrics:  deps.Metrics,
		checkout: deps.Checkout,
		validate: validator.New(),
		now:      deps.Now,
	}
	if s.dunning.MaxFailures == 0 {
		s.dunning = DefaultDunningPolicy()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.handlers = s.routes()
	return s
}

// ReconcileUser derives the premium flag and plan tier of a user from all
// of their subscriptions and writes both when they differ.
func (s *Service) ReconcileUser(ctx context.Context, repo Repository, userID uint) (bool, string, error) {
	if userID == 0 {
		return false, "", errors.New("user_id is required")
	}
	subs, err := repo.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return false, "", err
	}

	premium := false
	best := entitlements.PlanFree
	for _, sub := range subs {
		if !entitlements.IsPremiumStatus(sub.Status) {
			continue
		}
		premium = true
		candidate := entitlements.Normalize(sub.PlanTier)
		if candidate == entitlements.PlanFree {
			candidate = entitlements.PlanPremium
		}
		if entitlements.Rank(candidate) > entitlements.Rank(best) {
			best = candidate
		}
	}

	user, err := repo.GetUserByID(ctx, userID)
	if err != nil {
		return false, "", err
	}
	tier := string(best)
	if user.IsPremium == premium && user.PlanTier == tier {
		return premium, tier, nil
	}
	if err := repo.UpdateUserBilling(ctx, userID, UserBillingUpdate{IsPremium: &premium, PlanTier: &tier}); err != nil {
		return false, "", err
	}
	return premium, tier, nil
}

// CreateCheckout starts a hosted subscription checkout for user.
func (s *Service) CreateCheckout(ctx context.Context, user *models.User, req CheckoutRequest) (*models.BillingCheckoutSession, error) {
	req.PriceID = strings.TrimSpace(req.PriceID)
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}
	if s.gateway == nil {
		return nil, ErrNotConfigured
	}

	customerID := user.CustomerID()
	if customerID == "" {
		id, err := s.gateway.CreateCustomer(ctx, user.ID, user.Email, user.Name)
		if err != nil {
			s.metrics.GatewayError("create_customer")
			return nil, fmt.Errorf("create customer: %w", err)
		}
		if err := s.repo.UpdateUserBilling(ctx, user.ID, UserBillingUpdate{StripeCustomerID: &id}); err != nil {
			return nil, err
		}
		customerID = id
		user.StripeCustomerID = &id
	}

	localID := uuid.NewString()
	sess, err := s.gateway.CreateCheckoutSession(ctx, CheckoutSessionInput{
		UserID:          user.ID,
		CustomerID:      customerID,
		PriceID:         req.PriceID,
		SuccessURL:      req.SuccessURL,
		CancelURL:       req.CancelURL,
		TaxIDCollection: s.checkout.TaxIDCollection,
		AutomaticTax:    s.checkout.AutomaticTax,
		IdempotencyKey:  "checkout-" + localID,
	})
	if err != nil {
		s.metrics.GatewayError("create_checkout_session")
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	cs := &models.BillingCheckoutSession{
		UUID:            localID,
		UserID:          user.ID,
		StripeSessionID: sess.ID,
		StripePriceID:   req.PriceID,
		Status:          models.CheckoutStatusOpen,
		URL:             sess.URL,
	}
	if err := s.repo.CreateCheckoutSession(ctx, cs); err != nil {
		return nil, err
	}
	log.Infof("[Billing] Checkout session %s created for user %d (price %s)", sess.ID, user.ID, req.PriceID)
	return cs, nil
}

// GetCheckout returns a checkout session owned by userID, refreshing its
// status from the provider while it is still open.
func (s *Service) GetCheckout(ctx context.Context, userID uint, stripeSessionID string) (*models.BillingCheckoutSession, error) {
	cs, err := s.repo.GetCheckoutSessionByStripeID(ctx, stripeSessionID)
	if err != nil {
		return nil, err
	}
	if cs.UserID != userID {
		return nil, ErrCheckoutNotFound
	}
	if cs.Status != models.CheckoutStatusOpen || s.gateway == nil {
		return cs, nil
	}

	remote, err := s.gateway.GetCheckoutSession(ctx, stripeSessionID)
	if err != nil {
		s.metrics.GatewayError("get_checkout_session")
		log.Warnf("[Billing] Could not refresh checkout session %s: %v", stripeSessionID, err)
		return cs, nil
	}
	if remote.Status != "" && remote.Status != cs.Status {
		var completedAt *time.Time
		if remote.Status == models.CheckoutStatusComplete {
			now := s.now().UTC()
			completedAt = &now
		}
		if err := s.repo.UpdateCheckoutSessionStatus(ctx, stripeSessionID, remote.Status, completedAt); err != nil {
			return nil, err
		}
		cs.Status = remote.Status
		cs.CompletedAt = completedAt
	}
	return cs, nil
}

// CurrentSubscription reports the premium state and latest subscription of a user.
func (s *Service) CurrentSubscription(ctx context.Context, userID uint) (*SubscriptionStatus, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := &SubscriptionStatus{Premium: user.IsPremium, PlanTier: string(entitlements.Normalize(user.PlanTier))}
	sub, err := s.repo.GetLatestSubscriptionByUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	out.Subscription = sub
	return out, nil
}

// CancelSubscription asks the provider to cancel at period end and mirrors
// the flag locally. Access continues until the deletion webhook arrives.
func (s *Service) CancelSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	return s.setCancelAtPeriodEnd(ctx, userID, true)
}

// ReactivateSubscription clears a pending cancellation. A canceled or
// past_due subscription returns to active only when the provider reports it active.
func (s *Service) ReactivateSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	return s.setCancelAtPeriodEnd(ctx, userID, false)
}

func (s *Service) setCancelAtPeriodEnd(ctx context.Context, userID uint, cancel bool) (*models.BillingSubscription, error) {
	if s.gateway == nil {
		return nil, ErrNotConfigured
	}
	sub, err := s.repo.GetLatestSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cancel && sub.Status == models.BillingStatusCanceled {
		return nil, ErrInvalidTransition
	}

	snap, err := s.gateway.SetCancelAtPeriodEnd(ctx, sub.StripeSubscriptionID, cancel)
	if err != nil {
		s.metrics.GatewayError("update_subscription")
		return nil, fmt.Errorf("update subscription %s: %w", sub.StripeSubscriptionID, err)
	}

	err = s.repo.WithTx(ctx, func(repo Repository) error {
		cur, err := repo.GetSubscriptionByStripeID(ctx, sub.StripeSubscriptionID)
		if err != nil {
			return err
		}
		cur.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
		if !cancel {
			switch {
			case snap.Status == models.BillingStatusActive || snap.Status == models.BillingStatusTrialing:
				cur.Status = snap.Status
				cur.CanceledAt = nil
			case snap.Status != "":
				cur.Status = snap.Status
			}
		}
		if snap.CurrentPeriodEnd != nil {
			cur.CurrentPeriodEnd = snap.CurrentPeriodEnd
		}
		if err := repo.SaveSubscription(ctx, cur); err != nil {
			return err
		}
		if _, _, err := s.ReconcileUser(ctx, repo, cur.UserID); err != nil {
			return err
		}
		sub = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] Subscription %s cancel_at_period_end=%t status=%s (user %d)", sub.StripeSubscriptionID, sub.CancelAtPeriodEnd, sub.Status, userID)
	return sub, nil
}

// Resync pulls the latest subscription of a user from the provider and
// re-derives the premium flag from it.
func (s *Service) Resync(ctx context.Context, userID uint) (*SubscriptionStatus, error) {
	if s.gateway == nil {
		return nil, ErrNotConfigured
	}
	sub, err := s.repo.GetLatestSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap, err := s.gateway.GetSubscription(ctx, sub.StripeSubscriptionID)
	if err != nil {
		s.metrics.GatewayError("get_subscription")
		return nil, fmt.Errorf("get subscription %s: %w", sub.StripeSubscriptionID, err)
	}

	err = s.repo.WithTx(ctx, func(repo Repository) error {
		cur, err := repo.GetSubscriptionByStripeID(ctx, sub.StripeSubscriptionID)
		if err != nil {
			return err
		}
		applySnapshot(cur, snap)
		if err := repo.SaveSubscription(ctx, cur); err != nil {
			return err
		}
		_, _, err = s.ReconcileUser(ctx, repo, cur.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.CurrentSubscription(ctx, userID)
}

// ListInvoices returns a user's invoices, newest first.
func (s *Service) ListInvoices(ctx context.Context, userID uint, limit, offset int) ([]models.BillingInvoice, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListInvoicesByUser(ctx, userID, limit, offset)
}

func (s *Service) validateStruct(v interface{}) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[jsonFieldName(fe.Field())] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}

func jsonFieldName(field string) string {
	switch field {
	case "PriceID":
		return "price_id"
	case "SuccessURL":
		return "success_url"
	case "CancelURL":
		return "cancel_url"
	default:
		return strings.ToLower(field)
	}
}

// applySnapshot mirrors provider-side subscription fields onto sub. A
// locally canceled subscription stays canceled.
func applySnapshot(sub *models.BillingSubscription, snap *SubscriptionSnapshot) {
	if snap.CustomerID != "" {
		sub.StripeCustomerID = snap.CustomerID
	}
	if snap.PriceID != "" {
		sub.StripePriceID = snap.PriceID
		sub.PlanTier = string(entitlements.PlanFromPriceID(snap.PriceID))
	}
	if snap.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = snap.CurrentPeriodEnd
	}
	sub.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	if sub.Status == models.BillingStatusCanceled {
		return
	}
	if snap.Status != "" {
		sub.Status = snap.Status
	}
	if snap.CanceledAt != nil && snap.Status == models.BillingStatusCanceled {
		sub.CanceledAt = snap.CanceledAt
	}
}
