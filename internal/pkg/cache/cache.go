package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/convertviral/convertviral/internal/pkg/config"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"
)

// New opens the Redis connection used for idempotency markers. A failed
// ping is returned so callers can decide whether to fall back.
func New(ctx context.Context, cfg config.CacheConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	pong, err := client.Ping(pingCtx).Result()
	if err != nil {
		return client, fmt.Errorf("could not connect to cache at %s: %w", cfg.Addr(), err)
	}
	log.Infof("[Cache] Connected to %s: %s", cfg.Addr(), pong)
	return client, nil
}

// Healthy reports whether the client answers a ping within the timeout.
func Healthy(ctx context.Context, client *redis.Client, timeout time.Duration) bool {
	if client == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Ping(pingCtx).Err() == nil
}

// NewLimiterStorage returns the fiber storage backing the API rate limiter.
// It uses its own database so limiter keys never mix with idempotency markers.
func NewLimiterStorage(cfg config.CacheConfig) fiber.Storage {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		port = 6379
	}
	return redisstorage.New(redisstorage.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: cfg.LimiterDB,
		Reset:    false,
	})
}
