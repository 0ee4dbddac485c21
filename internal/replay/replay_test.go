package replay

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	_ "modernc.org/sqlite"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE replay_protection (
		jti TEXT PRIMARY KEY, token_hash TEXT, expires_at TEXT, first_seen_ip TEXT,
		usage_count INTEGER, last_used_at TEXT, created_at TEXT, updated_at TEXT)`); err != nil {
		t.Fatal(err)
	}
	return NewSQLStore(db)
}

func TestSQLStoreFirstUseThenReplay(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	r1, err := store.CheckAndRecord(ctx, "jti-1", "hash-1", exp, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if r1.IsReplay {
		t.Fatal("first use must not be a replay")
	}
	if r1.UsageCount != 1 {
		t.Fatalf("expected usage_count 1, got %d", r1.UsageCount)
	}

	r2, err := store.CheckAndRecord(ctx, "jti-1", "hash-1", exp, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if !r2.IsReplay {
		t.Fatal("second use must be a replay")
	}
	if r2.UsageCount != 2 {
		t.Fatalf("expected usage_count 2, got %d", r2.UsageCount)
	}
}

func TestSQLStoreConcurrentUsesExactlyOneFirst(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	const k = 8
	var wg sync.WaitGroup
	results := make([]*Result, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := store.CheckAndRecord(ctx, "jti-concurrent", "hash", exp, "")
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	firstCount := 0
	for _, r := range results {
		if r != nil && !r.IsReplay {
			firstCount++
		}
	}
	if firstCount != 1 {
		t.Fatalf("expected exactly one non-replay result, got %d", firstCount)
	}

	final, err := store.CheckAndRecord(ctx, "jti-concurrent", "hash", exp, "")
	if err != nil {
		t.Fatal(err)
	}
	if final.UsageCount != k+1 {
		t.Fatalf("expected usage_count %d, got %d", k+1, final.UsageCount)
	}
}

func TestSQLStoreCleanup(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	if _, err := store.CheckAndRecord(ctx, "jti-old", "hash", past, ""); err != nil {
		t.Fatal(err)
	}
	n, err := store.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cleaned row, got %d", n)
	}
}

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func TestRedisStoreFirstUseThenReplay(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	r1, err := store.CheckAndRecord(ctx, "jti-r1", "hash", exp, "")
	if err != nil {
		t.Fatal(err)
	}
	if r1.IsReplay {
		t.Fatal("first use must not be a replay")
	}

	r2, err := store.CheckAndRecord(ctx, "jti-r1", "hash", exp, "")
	if err != nil {
		t.Fatal(err)
	}
	if !r2.IsReplay || r2.UsageCount != 2 {
		t.Fatalf("expected replay with usage_count 2, got %+v", r2)
	}
}

func TestFallbackUsesFastThenDurable(t *testing.T) {
	fast := newTestRedisStore(t)
	durable := newTestSQLStore(t)
	fb := NewFallback(fast, durable)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	r, err := fb.CheckAndRecord(ctx, "jti-fb", "hash", exp, "")
	if err != nil {
		t.Fatal(err)
	}
	if r.IsReplay {
		t.Fatal("first use via fallback must not be a replay")
	}
}

func TestFallbackFallsBackWhenFastUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close() // make the fast path fail
	fast := NewRedisStore(client)
	durable := newTestSQLStore(t)
	fb := NewFallback(fast, durable)

	ctx := context.Background()
	exp := time.Now().Add(time.Minute)
	r, err := fb.CheckAndRecord(ctx, "jti-fallback", "hash", exp, "")
	if err != nil {
		t.Fatalf("fallback should succeed via durable store: %v", err)
	}
	if r.IsReplay {
		t.Fatal("first use via durable fallback must not be a replay")
	}
}
