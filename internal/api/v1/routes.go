package apiv1

import (
	"github.com/gofiber/fiber/v2"

	"github.com/convertviral/convertviral/internal/pkg/middleware"
)

// Pong is the body of GET /ping.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface lists the operations documented in public/docs/v1/openapi.yml.
type ServerInterface interface {
	GetPing(c *fiber.Ctx) error
	GetAccount(c *fiber.Ctx) error
	PostAccountAPIKey(c *fiber.Ctx) error
	PostBillingCheckout(c *fiber.Ctx) error
	GetBillingCheckout(c *fiber.Ctx) error
	GetBillingSubscription(c *fiber.Ctx) error
	PostBillingSubscriptionCancel(c *fiber.Ctx) error
	PostBillingSubscriptionReactivate(c *fiber.Ctx) error
	PostBillingResync(c *fiber.Ctx) error
	GetBillingInvoices(c *fiber.Ctx) error
	PostAdminBillingUserResync(c *fiber.Ctx) error
}

// Route is one documented operation.
type Route struct {
	Method string
	Path   string
	// Public routes skip API key authentication.
	Public bool
	// Admin routes additionally require an admin key.
	Admin   bool
	Handler func(si ServerInterface) fiber.Handler
}

// Routes returns the v1 operations with fiber-style paths relative to /api/v1.
func Routes() []Route {
	return []Route{
		{Method: fiber.MethodGet, Path: "/ping", Public: true, Handler: func(si ServerInterface) fiber.Handler { return si.GetPing }},
		{Method: fiber.MethodGet, Path: "/account", Handler: func(si ServerInterface) fiber.Handler { return si.GetAccount }},
		{Method: fiber.MethodPost, Path: "/account/api-key", Handler: func(si ServerInterface) fiber.Handler { return si.PostAccountAPIKey }},
		{Method: fiber.MethodPost, Path: "/billing/checkout", Handler: func(si ServerInterface) fiber.Handler { return si.PostBillingCheckout }},
		{Method: fiber.MethodGet, Path: "/billing/checkout/:session_id", Handler: func(si ServerInterface) fiber.Handler { return si.GetBillingCheckout }},
		{Method: fiber.MethodGet, Path: "/billing/subscription", Handler: func(si ServerInterface) fiber.Handler { return si.GetBillingSubscription }},
		{Method: fiber.MethodPost, Path: "/billing/subscription/cancel", Handler: func(si ServerInterface) fiber.Handler { return si.PostBillingSubscriptionCancel }},
		{Method: fiber.MethodPost, Path: "/billing/subscription/reactivate", Handler: func(si ServerInterface) fiber.Handler { return si.PostBillingSubscriptionReactivate }},
		{Method: fiber.MethodPost, Path: "/billing/resync", Handler: func(si ServerInterface) fiber.Handler { return si.PostBillingResync }},
		{Method: fiber.MethodGet, Path: "/billing/invoices", Handler: func(si ServerInterface) fiber.Handler { return si.GetBillingInvoices }},
		{Method: fiber.MethodPost, Path: "/admin/billing/users/:user_id/resync", Admin: true, Handler: func(si ServerInterface) fiber.Handler { return si.PostAdminBillingUserResync }},
	}
}

// RegisterHandlers mounts every route on router. auth guards the non-public
// ones and admin routes also pass middleware.RequireAdmin.
func RegisterHandlers(router fiber.Router, si ServerInterface, auth fiber.Handler) {
	for _, r := range Routes() {
		var handlers []fiber.Handler
		if !r.Public && auth != nil {
			handlers = append(handlers, auth)
		}
		if r.Admin {
			handlers = append(handlers, middleware.RequireAdmin)
		}
		handlers = append(handlers, r.Handler(si))
		router.Add(r.Method, r.Path, handlers...)
	}
}
