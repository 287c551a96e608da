package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/convertviral/convertviral/internal/pkg/env"
)

// Config is the typed view of the process environment.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Cache   CacheConfig
	Stripe  StripeConfig
	Webhook WebhookConfig
	Archive ArchiveConfig
}

type AppConfig struct {
	Env            string
	Host           string
	Port           string
	PublicDomain   string
	MonitorUser    string
	MonitorPass    string
	RequestTimeout time.Duration
	RateLimitMax   int
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

// DSN returns the go-sql-driver/mysql data source name.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// MigrateURL returns the golang-migrate database URL.
func (c DBConfig) MigrateURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

type CacheConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	// LimiterDB keeps rate-limiter keys apart from idempotency markers.
	LimiterDB int
}

func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// TaxIDCollection enables VAT id + billing address collection on checkout.
	TaxIDCollection bool
	AutomaticTax    bool
	HTTPTimeout     time.Duration
}

type WebhookConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MarkerTTL      time.Duration
	ClaimTTL       time.Duration
	ProcessTimeout time.Duration
	// IdempotencyBackend is "redis" or "memory".
	IdempotencyBackend string
}

type ArchiveConfig struct {
	Enabled         bool
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string
}

// Load reads configuration via env.GetEnv. It never fails on missing Stripe
// secrets: the webhook and checkout handlers report those per request.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Env:            env.GetEnv("APP_ENV", "prod"),
			Host:           env.GetEnv("APP_HOST", "localhost"),
			Port:           env.GetEnv("APP_PORT", "4000"),
			PublicDomain:   strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/"),
			MonitorUser:    env.GetEnv("MONITOR_USER", "admin"),
			MonitorPass:    env.GetEnv("MONITOR_PASSWORD", ""),
			RequestTimeout: env.GetEnvDuration("APP_REQUEST_TIMEOUT", 30*time.Second),
			RateLimitMax:   env.GetEnvInt("API_RATE_LIMIT_MAX", 60),
		},
		DB: DBConfig{
			User:     env.GetEnv("DB_USER", ""),
			Password: env.GetEnv("DB_PASSWORD", ""),
			Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:     env.GetEnv("DB_PORT", "3306"),
			Name:     env.GetEnv("DB_NAME", ""),
		},
		Cache: CacheConfig{
			Host:      env.GetEnv("CACHE_HOST", "localhost"),
			Port:      env.GetEnv("CACHE_PORT", "6379"),
			Password:  env.GetEnv("CACHE_PASSWORD", ""),
			DB:        env.GetEnvInt("CACHE_DB", 0),
			LimiterDB: env.GetEnvInt("CACHE_LIMITER_DB", 1),
		},
		Stripe: StripeConfig{
			SecretKey:       strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
			WebhookSecret:   strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
			TaxIDCollection: env.GetEnvBool("STRIPE_TAX_ID_COLLECTION", true),
			AutomaticTax:    env.GetEnvBool("STRIPE_AUTOMATIC_TAX", true),
			HTTPTimeout:     env.GetEnvDuration("STRIPE_HTTP_TIMEOUT", 20*time.Second),
		},
		Webhook: WebhookConfig{
			MaxAttempts:        env.GetEnvInt("WEBHOOK_MAX_ATTEMPTS", 3),
			BaseDelay:          env.GetEnvDuration("WEBHOOK_RETRY_BASE_DELAY", 500*time.Millisecond),
			MarkerTTL:          env.GetEnvDuration("WEBHOOK_MARKER_TTL", 24*time.Hour),
			ClaimTTL:           env.GetEnvDuration("WEBHOOK_CLAIM_TTL", 5*time.Minute),
			ProcessTimeout:     env.GetEnvDuration("WEBHOOK_PROCESS_TIMEOUT", 30*time.Second),
			IdempotencyBackend: strings.ToLower(env.GetEnv("WEBHOOK_IDEMPOTENCY_BACKEND", "redis")),
		},
		Archive: ArchiveConfig{
			Enabled:         env.GetEnvBool("ARCHIVE_ENABLED", false),
			AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
			Region:          env.GetEnv("S3_REGION", "eu-central-1"),
			BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
			EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would make the process misbehave silently.
func (c *Config) Validate() error {
	if c.Webhook.MaxAttempts < 1 {
		return errors.New("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.Webhook.BaseDelay < 0 {
		return errors.New("WEBHOOK_RETRY_BASE_DELAY must not be negative")
	}
	if c.Webhook.MarkerTTL <= 0 {
		return errors.New("WEBHOOK_MARKER_TTL must be positive")
	}
	switch c.Webhook.IdempotencyBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported WEBHOOK_IDEMPOTENCY_BACKEND %q", c.Webhook.IdempotencyBackend)
	}
	if c.Archive.Enabled {
		if c.Archive.AccessKeyID == "" {
			return errors.New("S3_ACCESS_KEY_ID is required when ARCHIVE_ENABLED is set")
		}
		if c.Archive.SecretAccessKey == "" {
			return errors.New("S3_SECRET_ACCESS_KEY is required when ARCHIVE_ENABLED is set")
		}
		if c.Archive.BucketName == "" {
			return errors.New("S3_BUCKET_NAME is required when ARCHIVE_ENABLED is set")
		}
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.App.Env == "dev"
}
