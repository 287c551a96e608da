package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to the controllers to keep response shapes in one place
	"github.com/convertviral/convertviral/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct {
	billing *controllers.BillingController
	account *controllers.AccountController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(billing *controllers.BillingController, account *controllers.AccountController) *APIServer {
	return &APIServer{billing: billing, account: account}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(Pong{Ping: "pong"})
}

// GetAccount returns account information and plan limits for the API key owner.
func (s *APIServer) GetAccount(c *fiber.Ctx) error {
	return s.account.HandleGetAccount(c)
}

func (s *APIServer) PostAccountAPIKey(c *fiber.Ctx) error {
	return s.account.HandleRotateAPIKey(c)
}

func (s *APIServer) PostBillingCheckout(c *fiber.Ctx) error {
	return s.billing.HandleCreateCheckout(c)
}

// GetBillingCheckout reads the session id from the route params.
func (s *APIServer) GetBillingCheckout(c *fiber.Ctx) error {
	return s.billing.HandleGetCheckout(c)
}

func (s *APIServer) GetBillingSubscription(c *fiber.Ctx) error {
	return s.billing.HandleGetSubscription(c)
}

func (s *APIServer) PostBillingSubscriptionCancel(c *fiber.Ctx) error {
	return s.billing.HandleCancelSubscription(c)
}

func (s *APIServer) PostBillingSubscriptionReactivate(c *fiber.Ctx) error {
	return s.billing.HandleReactivateSubscription(c)
}

func (s *APIServer) PostBillingResync(c *fiber.Ctx) error {
	return s.billing.HandleResync(c)
}

func (s *APIServer) GetBillingInvoices(c *fiber.Ctx) error {
	return s.billing.HandleListInvoices(c)
}

// PostAdminBillingUserResync resyncs another user's subscription.
func (s *APIServer) PostAdminBillingUserResync(c *fiber.Ctx) error {
	return s.billing.HandleAdminResync(c)
}
