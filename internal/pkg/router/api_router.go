package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/convertviral/convertviral/app/models"
	apiv1 "github.com/convertviral/convertviral/internal/api/v1"
	"github.com/convertviral/convertviral/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:          h.deps.RateLimitMax,
		Expiration:   time.Minute,
		Storage:      h.deps.LimiterStorage,
		KeyGenerator: limiterKey,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited", "message": "Too many requests"})
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer(h.deps.Billing, h.deps.Account)
	apiv1.RegisterHandlers(v1, apiServer, middleware.APIKeyAuthMiddleware(h.deps.Users))
}

// limiterKey buckets requests per API key when one is sent, else per IP.
// Only the hash is stored so raw keys never reach the limiter backend.
func limiterKey(c *fiber.Ctx) string {
	if key := middleware.APIKeyFromRequest(c); key != "" {
		return "key:" + models.HashAPIKey(key)
	}
	return "ip:" + c.IP()
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	if deps.RateLimitMax <= 0 {
		deps.RateLimitMax = 60
	}
	return &ApiRouter{deps: deps}
}
