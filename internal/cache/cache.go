package cache

import (
	"context"
	"sync"
	"time"

	"tokoledger/backend/internal/domain"
)

// StatsCache stores computed sales rollups keyed by a filter fingerprint.
//
// Entries are scoped to a version. Callers read Version before loading the
// ledger and pass it to Get and Set; Invalidate moves the version on, so a
// rollup computed from a ledger read that raced with an invalidation is
// never served afterwards.
type StatsCache interface {
	Version(ctx context.Context) (int64, error)
	Get(ctx context.Context, version int64, key string) (*domain.SalesStats, bool, error)
	Set(ctx context.Context, version int64, key string, value *domain.SalesStats, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopStatsCache struct{}

func (NoopStatsCache) Version(_ context.Context) (int64, error) {
	return 0, nil
}

func (NoopStatsCache) Get(_ context.Context, _ int64, _ string) (*domain.SalesStats, bool, error) {
	return nil, false, nil
}

func (NoopStatsCache) Set(_ context.Context, _ int64, _ string, _ *domain.SalesStats, _ time.Duration) error {
	return nil
}

func (NoopStatsCache) Invalidate(_ context.Context) error {
	return nil
}

type memoryEntry struct {
	value     domain.SalesStats
	version   int64
	expiresAt time.Time
}

// MemoryStatsCache is an in-process StatsCache used when Redis is not
// configured.
type MemoryStatsCache struct {
	mu      sync.Mutex
	version int64
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStatsCache() *MemoryStatsCache {
	return &MemoryStatsCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryStatsCache) Version(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version, nil
}

func (c *MemoryStatsCache) Get(_ context.Context, version int64, key string) (*domain.SalesStats, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.version != version || version != c.version {
		return nil, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	value := entry.value
	return &value, true, nil
}

// Set drops the write when the cache was invalidated after version was read.
func (c *MemoryStatsCache) Set(_ context.Context, version int64, key string, value *domain.SalesStats, ttl time.Duration) error {
	if value == nil || ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if version != c.version {
		return nil
	}
	c.entries[key] = memoryEntry{value: *value, version: version, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryStatsCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.entries = make(map[string]memoryEntry)
	return nil
}
