package geocode

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// CacheStore keeps geocoding answers keyed by normalized address.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]models.Coord, bool)
	Set(ctx context.Context, key string, coords []models.Coord)
}

// Cached wraps a Provider and answers repeated lookups from a CacheStore.
// Misses are never cached so a provider hiccup is not remembered.
type Cached struct {
	Provider
	store CacheStore
}

func NewCached(p Provider, store CacheStore) *Cached {
	return &Cached{Provider: p, store: store}
}

func (c *Cached) Search(ctx context.Context, address string) ([]models.Coord, error) {
	key := cacheKey(address)
	if coords, ok := c.store.Get(ctx, key); ok {
		return coords, nil
	}
	coords, err := c.Provider.Search(ctx, address)
	if err != nil {
		return nil, err
	}
	if len(coords) > 0 {
		c.store.Set(ctx, key, coords)
	}
	return coords, nil
}

func cacheKey(address string) string {
	return "geocode:" + strings.ToLower(strings.Join(strings.Fields(address), " "))
}

// MemoryCache is a small TTL cache.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  []models.Coord
	ts time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]models.Coord, bool) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

func (c *MemoryCache) Set(_ context.Context, key string, coords []models.Coord) {
	c.mu.Lock()
	c.store[key] = cacheEntry{v: coords, ts: c.now()}
	c.mu.Unlock()
}

// KV is the subset of redis used by RedisCache.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type redisKV struct{ c redis.UniversalClient }

// NewRedisKV adapts a go-redis client to KV. A missing key is reported as
// redis.Nil.
func NewRedisKV(c redis.UniversalClient) KV { return &redisKV{c: c} }

func (r *redisKV) Get(ctx context.Context, key string) (string, error) {
	return r.c.Get(ctx, key).Result()
}

func (r *redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

// RedisCache shares geocoding answers between dispatch processes.
type RedisCache struct {
	kv  KV
	ttl time.Duration
}

func NewRedisCache(kv KV, ttl time.Duration) *RedisCache {
	return &RedisCache{kv: kv, ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]models.Coord, bool) {
	raw, err := r.kv.Get(ctx, key)
	if err != nil {
		// redis.Nil and transport errors both count as a miss.
		return nil, false
	}
	var coords []models.Coord
	if err := json.Unmarshal([]byte(raw), &coords); err != nil {
		return nil, false
	}
	return coords, true
}

func (r *RedisCache) Set(ctx context.Context, key string, coords []models.Coord) {
	b, err := json.Marshal(coords)
	if err != nil {
		return
	}
	_ = r.kv.Set(ctx, key, string(b), r.ttl)
}
