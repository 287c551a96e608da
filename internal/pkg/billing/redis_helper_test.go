package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/convertviral/convertviral/internal/pkg/env"
	"github.com/redis/go-redis/v9"
)

const isolatedBillingTestRedisDB = 13

// newIsolatedRedisClient returns a client on a flushed test DB or skips the
// test when no Redis is reachable.
func newIsolatedRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	hosts := uniqueNonEmpty(env.GetEnv("CACHE_HOST", ""), "cache", "convertviral-cache", "localhost", "127.0.0.1")
	ports := uniqueNonEmpty(env.GetEnv("CACHE_PORT", "6379"), "6379")
	passwords := []string{env.GetEnv("CACHE_PASSWORD", "")}
	if passwords[0] != "" {
		passwords = append(passwords, "")
	}

	var lastErr error
	for _, host := range hosts {
		for _, port := range ports {
			for _, password := range passwords {
				client := redis.NewClient(&redis.Options{
					Addr:     fmt.Sprintf("%s:%s", host, port),
					Password: password,
					DB:       isolatedBillingTestRedisDB,
				})
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				err := client.Ping(ctx).Err()
				cancel()
				if err != nil {
					_ = client.Close()
					lastErr = err
					continue
				}
				if err := client.FlushDB(context.Background()).Err(); err != nil {
					_ = client.Close()
					t.Fatalf("failed to flush isolated redis db %d: %v", isolatedBillingTestRedisDB, err)
				}
				t.Cleanup(func() {
					_ = client.FlushDB(context.Background()).Err()
					_ = client.Close()
				})
				return client
			}
		}
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return nil
}

func uniqueNonEmpty(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
