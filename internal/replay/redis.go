package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the fast-path replay backend: native key TTL does the
// cleanup for free, and INCR gives an atomic per-jti counter.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "capcore:replay:"}
}

func (s *RedisStore) countKey(jti string) string { return s.prefix + "count:" + jti }
func (s *RedisStore) firstKey(jti string) string { return s.prefix + "first:" + jti }

func (s *RedisStore) CheckAndRecord(ctx context.Context, jti, tokenHash string, expiresAt time.Time, firstSeenIP string) (*Result, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	now := time.Now().UTC()

	count, err := s.client.Incr(ctx, s.countKey(jti)).Result()
	if err != nil {
		return nil, fmt.Errorf("replay: redis incr: %w", err)
	}

	if count == 1 {
		pipe := s.client.Pipeline()
		pipe.Expire(ctx, s.countKey(jti), ttl)
		pipe.Set(ctx, s.firstKey(jti), now.Format(timeLayout), ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("replay: redis set first-use metadata: %w", err)
		}
		return &Result{IsReplay: false, UsageCount: 1, FirstSeenAt: now, LastUsedAt: now}, nil
	}

	firstSeenAt := now
	if firstStr, err := s.client.Get(ctx, s.firstKey(jti)).Result(); err == nil {
		if t, perr := time.Parse(timeLayout, firstStr); perr == nil {
			firstSeenAt = t
		}
	}
	return &Result{IsReplay: true, UsageCount: int(count), FirstSeenAt: firstSeenAt, LastUsedAt: now}, nil
}

// Cleanup is a no-op: Redis key TTLs expire entries natively. The durable
// store remains the system of record for cleanup accounting.
func (s *RedisStore) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}
