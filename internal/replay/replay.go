// Package replay implements at-most-once replay protection for capability
// tokens (the design): the first successful CheckAndRecord call for a jti
// creates a record with usage_count=1; subsequent calls increment
// atomically and report IsReplay=true. Two backends exist behind the Store
// interface: a durable SQL-backed store (sql.go, always available) and a
// Redis-backed fast path (redis.go, used when REDIS_URL is set), composed
// by Fallback so callers get the same semantics regardless of which
// backend actually served the call.
package replay

import (
	"context"
	"time"
)

// Result is the outcome of a CheckAndRecord call.
type Result struct {
	IsReplay    bool
	UsageCount  int
	FirstSeenAt time.Time
	LastUsedAt  time.Time
}

// Store records first-use of a token's jti and detects replay.
type Store interface {
	// CheckAndRecord records a verification attempt for jti. expiresAt sets
	// the record's TTL (expires_at - now). SQLStore records firstSeenIP on
	// first use only; RedisStore does not keep it.
	CheckAndRecord(ctx context.Context, jti, tokenHash string, expiresAt time.Time, firstSeenIP string) (*Result, error)

	// Cleanup removes records whose expires_at has passed and returns the
	// count removed.
	Cleanup(ctx context.Context) (int, error)
}

// Fallback tries Fast first; if Fast returns an error (client unavailable),
// it falls back to Durable and returns its result with identical semantics,
// per the design's "falling back to the durable store when the fast store
// is unavailable".
type Fallback struct {
	Fast    Store // may be nil, meaning no fast path configured
	Durable Store
}

// NewFallback composes a fast/durable pair. fast may be nil.
func NewFallback(fast, durable Store) *Fallback {
	return &Fallback{Fast: fast, Durable: durable}
}

func (f *Fallback) CheckAndRecord(ctx context.Context, jti, tokenHash string, expiresAt time.Time, firstSeenIP string) (*Result, error) {
	if f.Fast != nil {
		res, err := f.Fast.CheckAndRecord(ctx, jti, tokenHash, expiresAt, firstSeenIP)
		if err == nil {
			return res, nil
		}
	}
	return f.Durable.CheckAndRecord(ctx, jti, tokenHash, expiresAt, firstSeenIP)
}

func (f *Fallback) Cleanup(ctx context.Context) (int, error) {
	// The durable store is the system of record for cleanup accounting;
	// the fast path's keys expire natively via TTL.
	return f.Durable.Cleanup(ctx)
}
