package billing

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// Gateway is the subset of the payment provider API the billing flows call.
type Gateway interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*SubscriptionSnapshot, error)
	ConfirmPaymentIntent(ctx context.Context, paymentIntentID, idempotencyKey string) error
	CreateCustomer(ctx context.Context, userID uint, email, name string) (string, error)
	CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (*CheckoutSessionSnapshot, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSessionSnapshot, error)
}

// CheckoutSessionInput describes a hosted subscription checkout.
type CheckoutSessionInput struct {
	UserID          uint
	CustomerID      string
	PriceID         string
	SuccessURL      string
	CancelURL       string
	TaxIDCollection bool
	AutomaticTax    bool
	IdempotencyKey  string
}

// StripeGateway implements Gateway with an explicitly constructed stripe-go client.
type StripeGateway struct {
	sc *client.API
}

// NewStripeGateway builds a client for secretKey whose HTTP calls time out after timeout.
func NewStripeGateway(secretKey string, timeout time.Duration) *StripeGateway {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	sc := &client.API{}
	sc.Init(secretKey, stripe.NewBackends(&http.Client{Timeout: timeout}))
	return &StripeGateway{sc: sc}
}

func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := g.sc.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, err
	}
	return snapshotFromStripe(sub), nil
}

func (g *StripeGateway) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*SubscriptionSnapshot, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx
	sub, err := g.sc.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, err
	}
	return snapshotFromStripe(sub), nil
}

func (g *StripeGateway) ConfirmPaymentIntent(ctx context.Context, paymentIntentID, idempotencyKey string) error {
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	_, err := g.sc.PaymentIntents.Confirm(paymentIntentID, params)
	return err
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, userID uint, email, name string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	if strings.TrimSpace(name) != "" {
		params.Name = stripe.String(name)
	}
	params.Context = ctx
	params.AddMetadata("user_id", strconv.FormatUint(uint64(userID), 10))
	params.SetIdempotencyKey("customer-user-" + strconv.FormatUint(uint64(userID), 10))
	cust, err := g.sc.Customers.New(params)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (*CheckoutSessionSnapshot, error) {
	userID := strconv.FormatUint(uint64(in.UserID), 10)
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(in.CustomerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(in.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(in.SuccessURL),
		CancelURL:         stripe.String(in.CancelURL),
		ClientReferenceID: stripe.String(userID),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": userID},
		},
	}
	params.AddMetadata("user_id", userID)
	params.AddMetadata("price_id", in.PriceID)
	if in.TaxIDCollection {
		params.BillingAddressCollection = stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionRequired))
		params.TaxIDCollection = &stripe.CheckoutSessionTaxIDCollectionParams{Enabled: stripe.Bool(true)}
		params.CustomerUpdate = &stripe.CheckoutSessionCustomerUpdateParams{
			Address: stripe.String("auto"),
			Name:    stripe.String("auto"),
		}
	}
	if in.AutomaticTax {
		params.AutomaticTax = &stripe.CheckoutSessionAutomaticTaxParams{Enabled: stripe.Bool(true)}
	}
	params.Context = ctx
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	sess, err := g.sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	return checkoutFromStripe(sess), nil
}

func (g *StripeGateway) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSessionSnapshot, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := g.sc.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, err
	}
	return checkoutFromStripe(sess), nil
}

func snapshotFromStripe(sub *stripe.Subscription) *SubscriptionSnapshot {
	out := &SubscriptionSnapshot{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixToTime(sub.CanceledAt),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if out.PriceID == "" && item.Price != nil {
				out.PriceID = item.Price.ID
			}
			if out.CurrentPeriodEnd == nil {
				out.CurrentPeriodEnd = unixToTime(item.CurrentPeriodEnd)
			}
		}
	}
	return out
}

func checkoutFromStripe(sess *stripe.CheckoutSession) *CheckoutSessionSnapshot {
	out := &CheckoutSessionSnapshot{
		ID:     sess.ID,
		URL:    sess.URL,
		Status: string(sess.Status),
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
	}
	return out
}

// isTransientGatewayError reports whether a provider error is worth retrying.
// Card declines and invalid requests are not.
func isTransientGatewayError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return true
	}
	switch stripeErr.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
		return false
	default:
		return true
	}
}
