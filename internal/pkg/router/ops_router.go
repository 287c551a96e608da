package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OpsRouter serves health, Prometheus metrics and the fiber monitor page.
type OpsRouter struct {
	deps Dependencies
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.handleHealth)

	gatherer := h.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if h.deps.MonitorPass == "" {
		log.Warn("[Router] MONITOR_PASSWORD not set, /monitor is disabled")
		return
	}
	app.Get("/monitor", basicauth.New(basicauth.Config{
		Users: map[string]string{
			h.deps.MonitorUser: h.deps.MonitorPass,
		},
	}), monitor.New(monitor.Config{Title: "ConvertViral Monitor"}))
}

func (h OpsRouter) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	checks := fiber.Map{}
	for name, check := range h.deps.HealthChecks {
		if err := check(ctx); err != nil {
			log.Warnf("[Health] %s unhealthy: %v", name, err)
			checks[name] = "down"
			status = fiber.StatusServiceUnavailable
			continue
		}
		checks[name] = "up"
	}

	overall := "ok"
	if status != fiber.StatusOK {
		overall = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{"status": overall, "checks": checks})
}

func NewOpsRouter(deps Dependencies) *OpsRouter {
	if deps.MonitorUser == "" {
		deps.MonitorUser = "admin"
	}
	return &OpsRouter{deps: deps}
}
