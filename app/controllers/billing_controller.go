package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/convertviral/convertviral/internal/pkg/billing"
	"github.com/convertviral/convertviral/internal/pkg/usercontext"
)

// BillingController serves the Stripe webhook and the account billing API.
type BillingController struct {
	service   *billing.Service
	processor *billing.WebhookProcessor
	users     billing.Repository
	timeout   time.Duration
}

// NewBillingController wires the controller. timeout bounds each API call.
func NewBillingController(svc *billing.Service, proc *billing.WebhookProcessor, repo billing.Repository, timeout time.Duration) *BillingController {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BillingController{service: svc, processor: proc, users: repo, timeout: timeout}
}

func (bc *BillingController) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), bc.timeout)
}

// HandleStripeWebhook verifies, deduplicates and applies one Stripe delivery.
// The body is read raw; any re-encoding would break the signature.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))

	out := bc.processor.Process(c.UserContext(), rawBody, signature)
	return c.Status(out.StatusCode).JSON(out.Body)
}

// HandleCreateCheckout starts a hosted checkout for the authenticated user.
func (bc *BillingController) HandleCreateCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var req billing.CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	user, err := bc.users.GetUserByID(ctx, userCtx.UserID)
	if err != nil {
		return writeBillingError(c, err)
	}
	cs, err := bc.service.CreateCheckout(ctx, user, req)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"session_id": cs.StripeSessionID,
		"url":        cs.URL,
		"status":     cs.Status,
	})
}

// HandleGetCheckout reports the state of one of the user's checkout sessions.
func (bc *BillingController) HandleGetCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	sessionID := strings.TrimSpace(c.Params("session_id"))
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "session_id missing"})
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	cs, err := bc.service.GetCheckout(ctx, userCtx.UserID, sessionID)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{
		"session_id":   cs.StripeSessionID,
		"status":       cs.Status,
		"price_id":     cs.StripePriceID,
		"url":          cs.URL,
		"completed_at": formatTimePtr(cs.CompletedAt),
	})
}

// HandleGetSubscription returns the premium flag, tier and latest subscription.
func (bc *BillingController) HandleGetSubscription(c *fiber.Ctx) error {
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	status, err := bc.service.CurrentSubscription(ctx, usercontext.GetUserID(c))
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(status)
}

// HandleCancelSubscription schedules cancellation at the end of the period.
func (bc *BillingController) HandleCancelSubscription(c *fiber.Ctx) error {
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	sub, err := bc.service.CancelSubscription(ctx, usercontext.GetUserID(c))
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"subscription": sub})
}

// HandleReactivateSubscription clears a scheduled cancellation.
func (bc *BillingController) HandleReactivateSubscription(c *fiber.Ctx) error {
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	sub, err := bc.service.ReactivateSubscription(ctx, usercontext.GetUserID(c))
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"subscription": sub})
}

// HandleResync pulls the latest subscription state from Stripe.
func (bc *BillingController) HandleResync(c *fiber.Ctx) error {
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	status, err := bc.service.Resync(ctx, usercontext.GetUserID(c))
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(status)
}

// HandleAdminResync resyncs the user named in the path. Admin only.
func (bc *BillingController) HandleAdminResync(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("user_id")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid user id"})
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	status, err := bc.service.Resync(ctx, uint(userID))
	if err != nil {
		return writeBillingError(c, err)
	}
	log.Infof("[Billing] Admin %d resynced user %d", usercontext.GetUserID(c), userID)
	return c.JSON(status)
}

// HandleListInvoices lists the user's invoices, newest first.
func (bc *BillingController) HandleListInvoices(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", 0)

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	invoices, err := bc.service.ListInvoices(ctx, usercontext.GetUserID(c), limit, offset)
	if err != nil {
		return writeBillingError(c, err)
	}

	items := make([]fiber.Map, 0, len(invoices))
	for _, inv := range invoices {
		items = append(items, fiber.Map{
			"id":                 inv.StripeInvoiceID,
			"subscription_id":    inv.StripeSubscriptionID,
			"status":             inv.Status,
			"currency":           inv.Currency,
			"subtotal":           inv.Subtotal,
			"tax":                inv.Tax,
			"total":              inv.Total,
			"amount_paid":        inv.AmountPaid,
			"amount_due":         inv.AmountDue,
			"hosted_invoice_url": inv.HostedInvoiceURL,
			"period_start":       formatTimePtr(inv.PeriodStart),
			"period_end":         formatTimePtr(inv.PeriodEnd),
			"paid_at":            formatTimePtr(inv.PaidAt),
		})
	}
	return c.JSON(fiber.Map{"invoices": items, "limit": limit, "offset": offset})
}

func writeBillingError(c *fiber.Ctx, err error) error {
	var verr *billing.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "fields": verr.Fields})
	case errors.Is(err, billing.ErrNotConfigured):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "billing_not_configured", "message": "Billing is not configured"})
	case errors.Is(err, billing.ErrUserNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrCheckoutNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": err.Error()})
	case errors.Is(err, billing.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "timeout", "message": "Billing provider did not respond in time"})
	default:
		log.Errorf("[Billing] %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Billing request failed"})
	}
}
