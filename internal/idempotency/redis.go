package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "notifyd:idem:"

// reservedSentinel marks a key that is claimed but whose result is not yet stored.
const reservedSentinel = "__reserved__"

// RedisStore is a Store shared across worker processes, backed by Redis.
// Reservation relies on SET NX so exactly one process wins per identifier;
// expiry is enforced by Redis key TTLs instead of lazy purging.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore using the given client.
// A non-positive ttl falls back to DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// releaseScript deletes the key only while it still holds the reservation
// sentinel, so a Release racing a completed CheckAndStore never drops a
// stored response.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Reserve claims requestID with SET NX.
func (s *RedisStore) Reserve(ctx context.Context, requestID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, keyPrefix+requestID, reservedSentinel, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserving request %q: %w", requestID, err)
	}
	return ok, nil
}

// Release drops a result-less reservation so the identifier can be claimed
// again.
func (s *RedisStore) Release(ctx context.Context, requestID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{keyPrefix + requestID}, reservedSentinel).Err(); err != nil {
		return fmt.Errorf("releasing request %q: %w", requestID, err)
	}
	return nil
}

// CheckAndStore returns the stored result when present, otherwise stores the
// provided result without overwriting a completed entry.
func (s *RedisStore) CheckAndStore(ctx context.Context, requestID string, result []byte) (bool, []byte, error) {
	key := keyPrefix + requestID

	val, err := s.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// No live entry.
		if result != nil {
			if err := s.client.Set(ctx, key, result, s.ttl).Err(); err != nil {
				return false, nil, fmt.Errorf("storing result for request %q: %w", requestID, err)
			}
		}
		return false, nil, nil
	case err != nil:
		return false, nil, fmt.Errorf("reading request %q: %w", requestID, err)
	}

	if val != reservedSentinel {
		return true, []byte(val), nil
	}

	// Reserved but incomplete: only a real result may replace the sentinel.
	if result != nil {
		if err := s.client.Set(ctx, key, result, s.ttl).Err(); err != nil {
			return false, nil, fmt.Errorf("storing result for request %q: %w", requestID, err)
		}
	}
	return false, nil, nil
}
