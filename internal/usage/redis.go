package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps rate-limit counters and cached results in Redis so that
// several server instances share them. It does not hold the ledger.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps a connected client. Keys are namespaced by prefix.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "quote-engine"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// NewRedisClient parses the URL and validates connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// Increment uses INCR so concurrent callers never lose a count. The expiry is
// refreshed in the same transaction.
func (s *RedisStore) Increment(ctx context.Context, tenantID uuid.UUID, operation string, bucket int64, ttl time.Duration) (int64, error) {
	key := fmt.Sprintf("%s:ratelimit:%s:%s:%d", s.prefix, tenantID, operation, bucket)

	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) Get(ctx context.Context, tenantID uuid.UUID, cacheKey string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, s.cacheKey(tenantID, cacheKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached result: %w", err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, tenantID uuid.UUID, cacheKey string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, s.cacheKey(tenantID, cacheKey), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}

func (s *RedisStore) cacheKey(tenantID uuid.UUID, cacheKey string) string {
	return fmt.Sprintf("%s:cache:%s:%s", s.prefix, tenantID, cacheKey)
}
