package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long a cached result stays reusable.
const DefaultCacheTTL = 7 * 24 * time.Hour

func cacheKey(signature string) string { return "task:cache:" + signature }

// CacheStore maps a task signature to the instance that produced its result.
type CacheStore interface {
	Lookup(ctx context.Context, signature string) (taskInstanceID int, found bool, err error)
	Record(ctx context.Context, signature string, taskInstanceID int) error
	Evict(ctx context.Context, signature string) error
}

type cacheStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewCacheStore creates a Redis-backed CacheStore. A zero ttl means
// DefaultCacheTTL.
func NewCacheStore(client redis.Cmdable, ttl time.Duration) CacheStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &cacheStore{client: client, ttl: ttl}
}

func (s *cacheStore) Lookup(ctx context.Context, signature string) (int, bool, error) {
	val, err := s.client.Get(ctx, cacheKey(signature)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("redis get cache %s: %w", signature, err)
	}
	id, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cache entry %s: %w", signature, err)
	}
	return id, true, nil
}

// Record stores the latest successful instance for signature.
func (s *cacheStore) Record(ctx context.Context, signature string, taskInstanceID int) error {
	err := s.client.Set(ctx, cacheKey(signature), strconv.Itoa(taskInstanceID), s.ttl).Err()
	if err != nil {
		return fmt.Errorf("redis set cache %s: %w", signature, err)
	}
	return nil
}

func (s *cacheStore) Evict(ctx context.Context, signature string) error {
	if err := s.client.Del(ctx, cacheKey(signature)).Err(); err != nil {
		return fmt.Errorf("redis del cache %s: %w", signature, err)
	}
	return nil
}
