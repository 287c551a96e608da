package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/convertviral/convertviral/app/controllers"
)

type WebhookRouter struct {
	billing *controllers.BillingController
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	webhooks := app.Group("/webhooks")
	webhooks.Post("/stripe", h.billing.HandleStripeWebhook)
}

func NewWebhookRouter(deps Dependencies) *WebhookRouter {
	return &WebhookRouter{billing: deps.Billing}
}
