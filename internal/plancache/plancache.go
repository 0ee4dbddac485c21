// Package plancache is a bounded, in-memory store of compiled plans keyed
// by plan hash, indexed by tenant and tag, evicted by LRU once either the
// entry count or total serialized size exceeds its configured bound, and
// swept in the background for TTL expiry. Grounded on the bounded
// map-plus-mutex-plus-reaper shape of
// internal/controlplane/approval/queue.go's Queue, generalized from a
// single TTL-only index to plan-hash/tenant/tag indexes plus size and LRU
// accounting, per the design.
package plancache

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/capcore/internal/plancompiler/planmodel"
)

const (
	DefaultMaxEntries       = 1000
	DefaultMaxSizeBytes     = 100 * 1024 * 1024
	DefaultTTL              = 24 * time.Hour
	DefaultCleanupInterval  = 30 * time.Minute
)

// Config bounds the cache.
type Config struct {
	MaxEntries      int
	MaxSizeBytes    int64
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the design's default bounds.
func DefaultConfig() Config {
	return Config{
		MaxEntries:      DefaultMaxEntries,
		MaxSizeBytes:    DefaultMaxSizeBytes,
		DefaultTTL:      DefaultTTL,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// entry is one cached plan plus its bookkeeping.
type entry struct {
	planHash    string
	tenantID    uuid.UUID
	plan        *planmodel.ExecutablePlan
	tags        []string
	sizeBytes   int64
	createdAt   time.Time
	expiresAt   time.Time
	accessCount int64
	lastAccess  time.Time
	lruElem     *list.Element
}

// Stats is a point-in-time snapshot of cache health.
type Stats struct {
	Entries      int
	SizeBytes    int64
	Hits         int64
	Misses       int64
	Evictions    int64
	ExpiredSweeps int64
}

// Cache is the bounded, indexed, LRU-evicted compiled-plan store of the design.
type Cache struct {
	mu sync.Mutex

	cfg Config

	entries   map[string]*entry  // plan_hash -> entry
	byTenant  map[uuid.UUID]map[string]struct{}
	byTag     map[string]map[string]struct{}
	lru       *list.List // front = most recently used

	sizeBytes int64

	hits, misses, evictions, expiredSweeps int64
}

// New returns an empty Cache bounded by cfg. Zero-valued fields in cfg fall
// back to the design's defaults.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	return &Cache{
		cfg:      cfg,
		entries:  make(map[string]*entry),
		byTenant: make(map[uuid.UUID]map[string]struct{}),
		byTag:    make(map[string]map[string]struct{}),
		lru:      list.New(),
	}
}

// Get returns the cached plan for (planHash, tenantID). A miss (absent,
// tenant mismatch, or expired) returns (nil, false); a hit bumps the
// entry's access_count/last_accessed and moves it to the front of the LRU.
func (c *Cache) Get(planHash string, tenantID uuid.UUID) (*planmodel.ExecutablePlan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[planHash]
	if !ok || e.tenantID != tenantID {
		c.misses++
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(e)
		c.misses++
		return nil, false
	}

	e.accessCount++
	e.lastAccess = time.Now()
	c.lru.MoveToFront(e.lruElem)
	c.hits++
	return e.plan, true
}

// Put inserts or replaces plan in the cache, evicting LRU entries first so
// the cache stays within its entry-count and total-size bounds. ttl <= 0
// uses the cache's configured default TTL.
func (c *Cache) Put(plan *planmodel.ExecutablePlan, ttl time.Duration, tags []string) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	size, err := estimateSize(plan)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[plan.PlanHash]; ok {
		c.removeLocked(existing)
	}

	now := time.Now()
	e := &entry{
		planHash:   plan.PlanHash,
		tenantID:   plan.TenantID,
		plan:       plan,
		tags:       append([]string{}, tags...),
		sizeBytes:  size,
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}

	for c.lru.Len() >= c.cfg.MaxEntries || c.sizeBytes+size > c.cfg.MaxSizeBytes {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
		c.evictions++
	}

	e.lruElem = c.lru.PushFront(e)
	c.entries[e.planHash] = e
	c.sizeBytes += size

	if c.byTenant[e.tenantID] == nil {
		c.byTenant[e.tenantID] = make(map[string]struct{})
	}
	c.byTenant[e.tenantID][e.planHash] = struct{}{}

	for _, tag := range e.tags {
		if c.byTag[tag] == nil {
			c.byTag[tag] = make(map[string]struct{})
		}
		c.byTag[tag][e.planHash] = struct{}{}
	}

	return nil
}

// InvalidateHash removes one plan by hash.
func (c *Cache) InvalidateHash(planHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[planHash]; ok {
		c.removeLocked(e)
	}
}

// InvalidateByTenant removes every plan cached for tenantID.
func (c *Cache) InvalidateByTenant(tenantID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash := range c.byTenant[tenantID] {
		if e, ok := c.entries[hash]; ok {
			c.removeLocked(e)
		}
	}
}

// InvalidateByTag removes every plan carrying tag.
func (c *Cache) InvalidateByTag(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash := range c.byTag[tag] {
		if e, ok := c.entries[hash]; ok {
			c.removeLocked(e)
		}
	}
}

// removeLocked deletes e from every index. Caller must hold c.mu.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.planHash)
	c.sizeBytes -= e.sizeBytes
	if e.lruElem != nil {
		c.lru.Remove(e.lruElem)
	}

	if tenantSet, ok := c.byTenant[e.tenantID]; ok {
		delete(tenantSet, e.planHash)
		if len(tenantSet) == 0 {
			delete(c.byTenant, e.tenantID)
		}
	}
	for _, tag := range e.tags {
		if tagSet, ok := c.byTag[tag]; ok {
			delete(tagSet, e.planHash)
			if len(tagSet) == 0 {
				delete(c.byTag, tag)
			}
		}
	}
}

// sweepExpired removes every entry past its TTL. Called by StartCleanup's
// background ticker and directly by tests.
func (c *Cache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var expired []*entry
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeLocked(e)
	}
	c.expiredSweeps++
}

// StartCleanup runs the TTL-expiry sweep every cfg.CleanupInterval until
// stop is closed.
func (c *Cache) StartCleanup(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.sweepExpired()
			}
		}
	}()
}

// Stats returns a snapshot of cache health, including the hit-ratio
// statistic the design requires access timing to feed.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:       len(c.entries),
		SizeBytes:     c.sizeBytes,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		ExpiredSweeps: c.expiredSweeps,
	}
}

// HitRatio returns hits / (hits + misses), or 0 when there have been no lookups.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func estimateSize(plan *planmodel.ExecutablePlan) (int64, error) {
	raw, err := json.Marshal(plan)
	if err != nil {
		return 0, err
	}
	return int64(len(raw)), nil
}
