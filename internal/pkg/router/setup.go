package router

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/convertviral/convertviral/app/controllers"
	"github.com/convertviral/convertviral/internal/pkg/middleware"
)

// Router mounts one group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// HealthCheck reports an error when a dependency is unavailable.
type HealthCheck func(ctx context.Context) error

// Dependencies are the handlers and infrastructure the routers need.
type Dependencies struct {
	Billing *controllers.BillingController
	Account *controllers.AccountController
	Users   middleware.APIKeyLookup

	// LimiterStorage backs the API rate limiter. Nil keeps counters in memory.
	LimiterStorage fiber.Storage
	RateLimitMax   int

	Gatherer     prometheus.Gatherer
	MonitorUser  string
	MonitorPass  string
	HealthChecks map[string]HealthCheck
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Webhooks first so the API limiter never applies to provider deliveries.
	setup(app, NewWebhookRouter(deps), NewApiRouter(deps), NewOpsRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
