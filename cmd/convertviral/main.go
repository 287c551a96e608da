package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/convertviral/convertviral/app/controllers"
	"github.com/convertviral/convertviral/app/repository"
	"github.com/convertviral/convertviral/internal/pkg/archive"
	"github.com/convertviral/convertviral/internal/pkg/billing"
	"github.com/convertviral/convertviral/internal/pkg/cache"
	"github.com/convertviral/convertviral/internal/pkg/config"
	"github.com/convertviral/convertviral/internal/pkg/database"
	"github.com/convertviral/convertviral/internal/pkg/env"
	"github.com/convertviral/convertviral/internal/pkg/metrics"
	"github.com/convertviral/convertviral/internal/pkg/router"
)

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Config] %v", err)
	}

	app, cleanup, err := NewApplication(context.Background(), cfg)
	if err != nil {
		log.Fatalf("[Startup] %v", err)
	}
	defer cleanup()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("[Startup] Shutting down")
		if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
			log.Errorf("[Startup] Shutdown failed: %v", err)
		}
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", cfg.App.Host, cfg.App.Port)); err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires storage, billing and HTTP routes. The returned cleanup
// closes the connections it opened.
func NewApplication(ctx context.Context, cfg *config.Config) (*fiber.App, func(), error) {
	db, err := database.Connect(cfg.DB, cfg.IsDev())
	if err != nil {
		return nil, nil, err
	}

	var rdb *redis.Client
	var limiterStorage fiber.Storage
	client, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		log.Warnf("[Cache] %v", err)
		_ = client.Close()
	} else {
		rdb = client
		limiterStorage = cache.NewLimiterStorage(cfg.Cache)
	}

	store, err := newIdempotencyStore(cfg.Webhook, rdb)
	if err != nil {
		return nil, nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := metrics.NewBilling(reg)

	billingRepo := billing.NewRepository(db)
	var gateway billing.Gateway
	if cfg.Stripe.SecretKey != "" {
		gateway = billing.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.HTTPTimeout)
	} else {
		log.Warn("[Billing] STRIPE_SECRET_KEY not set, checkout and subscription actions are disabled")
	}
	if cfg.Stripe.WebhookSecret == "" {
		log.Warn("[Billing] STRIPE_WEBHOOK_SECRET not set, webhook deliveries will be rejected")
	}

	svc := billing.NewService(billing.Dependencies{
		Repo:    billingRepo,
		Gateway: gateway,
		Metrics: billingMetrics,
		Checkout: billing.CheckoutOptions{
			TaxIDCollection: cfg.Stripe.TaxIDCollection,
			AutomaticTax:    cfg.Stripe.AutomaticTax,
		},
	})

	var archiver billing.PayloadArchiver
	if cfg.Archive.Enabled {
		s3Archiver, err := archive.NewFromConfig(ctx, cfg.Archive, cfg.App.Env)
		if err != nil {
			log.Errorf("[Archive] %v", err)
		} else {
			archiver = s3Archiver
		}
	}

	processor := billing.NewWebhookProcessor(svc, store, billingRepo, archiver, billingMetrics, billing.ProcessorConfig{
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Retry: billing.RetryPolicy{
			MaxAttempts: cfg.Webhook.MaxAttempts,
			BaseDelay:   cfg.Webhook.BaseDelay,
		},
		Timeout: cfg.Webhook.ProcessTimeout,
	})
	log.Infof("[Billing] Stripe webhook handles %s", strings.Join(billing.HandledEventTypes, ", "))

	users := repository.NewUserRepository(db)
	billingController := controllers.NewBillingController(svc, processor, billingRepo, cfg.App.RequestTimeout)
	accountController := controllers.NewAccountController(users)

	app := fiber.New(fiber.Config{
		AppName:   "ConvertViral",
		BodyLimit: 1 << 20,
	})
	app.Use(recover.New(), requestid.New(), logger.New(logger.Config{
		Format: "${time} ${locals:requestid} ${status} - ${latency} ${method} ${path}\n",
	}))

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Billing:        billingController,
		Account:        accountController,
		Users:          users,
		LimiterStorage: limiterStorage,
		RateLimitMax:   cfg.App.RateLimitMax,
		Gatherer:       reg,
		MonitorUser:    cfg.App.MonitorUser,
		MonitorPass:    cfg.App.MonitorPass,
		HealthChecks:   healthChecks(db, rdb),
	})

	cleanup := func() {
		if rdb != nil {
			_ = rdb.Close()
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return app, cleanup, nil
}

// newIdempotencyStore picks the marker backend. Redis is required when
// configured so that several replicas share one set of claims.
func newIdempotencyStore(cfg config.WebhookConfig, rdb *redis.Client) (billing.IdempotencyStore, error) {
	switch cfg.IdempotencyBackend {
	case "memory":
		log.Warn("[Billing] Using in-process idempotency markers, run a single replica only")
		return billing.NewMemoryIdempotencyStore(cfg.MarkerTTL, cfg.ClaimTTL), nil
	default:
		if rdb == nil {
			return nil, fmt.Errorf("WEBHOOK_IDEMPOTENCY_BACKEND=redis but the cache is unreachable")
		}
		return billing.NewRedisIdempotencyStore(rdb, cfg.MarkerTTL, cfg.ClaimTTL), nil
	}
}

func healthChecks(db *gorm.DB, rdb *redis.Client) map[string]router.HealthCheck {
	checks := map[string]router.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if rdb != nil {
		checks["cache"] = func(ctx context.Context) error {
			if !cache.Healthy(ctx, rdb, 2*time.Second) {
				return errors.New("cache did not answer ping")
			}
			return nil
		}
	}
	return checks
}
