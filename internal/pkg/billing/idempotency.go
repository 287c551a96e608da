package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const (
	IdempotencyKeyPrefix = "billing:webhook:"

	DefaultMarkerTTL = 24 * time.Hour
	DefaultClaimTTL  = 5 * time.Minute

	markerStateProcessing = "processing"
	markerStateProcessed  = "processed"
)

// ClaimOutcome is the result of trying to take ownership of an event id.
type ClaimOutcome int

const (
	// Claimed means the caller owns the event and must Complete or Release it.
	Claimed ClaimOutcome = iota
	// AlreadyProcessed means a processed marker exists; its result is returned.
	AlreadyProcessed
	// InFlight means another delivery holds the claim right now.
	InFlight
)

func (o ClaimOutcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyProcessed:
		return "already_processed"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Marker is the value stored under an event's idempotency key.
type Marker struct {
	State       string     `json:"state"`
	Result      *Result    `json:"result,omitempty"`
	ClaimedAt   time.Time  `json:"claimed_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// IdempotencyStore records which events were processed. Claim must be
// atomic: of two concurrent callers for one id, only one gets Claimed.
type IdempotencyStore interface {
	Claim(ctx context.Context, eventID string) (ClaimOutcome, *Marker, error)
	Complete(ctx context.Context, eventID string, result Result) error
	Release(ctx context.Context, eventID string) error
}

// IdempotencyKey returns the store key for an event id.
func IdempotencyKey(eventID string) string {
	return IdempotencyKeyPrefix + eventID
}

func outcomeFor(m *Marker) ClaimOutcome {
	if m != nil && m.State == markerStateProcessed {
		return AlreadyProcessed
	}
	return InFlight
}

// RedisIdempotencyStore keeps markers in Redis using SET NX for the claim.
type RedisIdempotencyStore struct {
	rdb       redis.Cmdable
	markerTTL time.Duration
	claimTTL  time.Duration
}

func NewRedisIdempotencyStore(rdb redis.Cmdable, markerTTL, claimTTL time.Duration) *RedisIdempotencyStore {
	if markerTTL <= 0 {
		markerTTL = DefaultMarkerTTL
	}
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &RedisIdempotencyStore{rdb: rdb, markerTTL: markerTTL, claimTTL: claimTTL}
}

func (s *RedisIdempotencyStore) Claim(ctx context.Context, eventID string) (ClaimOutcome, *Marker, error) {
	key := IdempotencyKey(eventID)
	claim, err := json.Marshal(Marker{State: markerStateProcessing, ClaimedAt: time.Now().UTC()})
	if err != nil {
		return InFlight, nil, err
	}

	// The key can expire between SETNX and GET; one more round settles it.
	for i := 0; i < 2; i++ {
		ok, err := s.rdb.SetNX(ctx, key, claim, s.claimTTL).Result()
		if err != nil {
			return InFlight, nil, fmt.Errorf("claim %s: %w", key, err)
		}
		if ok {
			return Claimed, nil, nil
		}

		raw, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return InFlight, nil, fmt.Errorf("read marker %s: %w", key, err)
		}
		var m Marker
		if err := json.Unmarshal(raw, &m); err != nil {
			return InFlight, nil, fmt.Errorf("decode marker %s: %w", key, err)
		}
		return outcomeFor(&m), &m, nil
	}
	return InFlight, nil, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, eventID string, result Result) error {
	now := time.Now().UTC()
	raw, err := json.Marshal(Marker{
		State:       markerStateProcessed,
		Result:      &result,
		ClaimedAt:   now,
		ProcessedAt: &now,
	})
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, IdempotencyKey(eventID), raw, s.markerTTL).Err()
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, eventID string) error {
	return s.rdb.Del(ctx, IdempotencyKey(eventID)).Err()
}

// MemoryIdempotencyStore keeps markers in process memory. Suitable for a
// single instance or local development without Redis.
type MemoryIdempotencyStore struct {
	c         *gocache.Cache
	markerTTL time.Duration
	claimTTL  time.Duration
}

func NewMemoryIdempotencyStore(markerTTL, claimTTL time.Duration) *MemoryIdempotencyStore {
	if markerTTL <= 0 {
		markerTTL = DefaultMarkerTTL
	}
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &MemoryIdempotencyStore{
		c:         gocache.New(markerTTL, 10*time.Minute),
		markerTTL: markerTTL,
		claimTTL:  claimTTL,
	}
}

func (s *MemoryIdempotencyStore) Claim(_ context.Context, eventID string) (ClaimOutcome, *Marker, error) {
	key := IdempotencyKey(eventID)
	// Add fails when a live item exists, under the cache's own lock.
	if err := s.c.Add(key, Marker{State: markerStateProcessing, ClaimedAt: time.Now().UTC()}, s.claimTTL); err == nil {
		return Claimed, nil, nil
	}
	v, found := s.c.Get(key)
	if !found {
		// Expired between Add and Get.
		if err := s.c.Add(key, Marker{State: markerStateProcessing, ClaimedAt: time.Now().UTC()}, s.claimTTL); err == nil {
			return Claimed, nil, nil
		}
		return InFlight, nil, nil
	}
	m := v.(Marker)
	return outcomeFor(&m), &m, nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, eventID string, result Result) error {
	now := time.Now().UTC()
	s.c.Set(IdempotencyKey(eventID), Marker{
		State:       markerStateProcessed,
		Result:      &result,
		ClaimedAt:   now,
		ProcessedAt: &now,
	}, s.markerTTL)
	return nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, eventID string) error {
	s.c.Delete(IdempotencyKey(eventID))
	return nil
}
