package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/observability"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

// Cache is the shared read-through cache over Redis. Every operation is
// best-effort: read errors degrade to misses, write errors are logged and
// dropped, corrupted payloads are evicted. A disabled cache (config off or
// no client) misses on every read and swallows every write.
type Cache struct {
	rdb     *goredis.Client
	log     *logger.Logger
	enabled bool

	embeddingTTL time.Duration
	searchTTL    time.Duration
	reformTTL    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

func New(cfg config.CacheConfig, log *logger.Logger) (*Cache, error) {
	c := &Cache{
		log:          log.With("service", "Cache"),
		embeddingTTL: cfg.EmbeddingTTL.Duration,
		searchTTL:    cfg.SearchTTL.Duration,
		reformTTL:    cfg.ReformTTL.Duration,
	}
	if !cfg.Enabled {
		return c, nil
	}

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, fmt.Errorf("cache enabled but redis_addr is empty")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	c.rdb = rdb
	c.enabled = true
	return c, nil
}

func (c *Cache) Enabled() bool { return c != nil && c.enabled && c.rdb != nil }

func (c *Cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

// GetEmbedding returns the cached vector for a text, if present and intact.
func (c *Cache) GetEmbedding(ctx context.Context, text string) ([]float32, bool) {
	if !c.Enabled() {
		return nil, false
	}
	key := EmbeddingKey(text)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		c.miss("embedding", err, key)
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		c.evictCorrupt(ctx, "embedding", key, err)
		return nil, false
	}
	c.hit("embedding")
	return vec, true
}

func (c *Cache) SetEmbedding(ctx context.Context, text string, vec []float32) {
	if !c.Enabled() || len(vec) == 0 {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, EmbeddingKey(text), raw, c.embeddingTTL).Err(); err != nil {
		c.log.Warn("cache set failed", "keyspace", "embedding", "error", err)
	}
}

func (c *Cache) GetReformulation(ctx context.Context, query, method string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	key := ReformulationKey(query, method)
	out, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		c.miss("query_reform", err, key)
		return "", false
	}
	if strings.TrimSpace(out) == "" {
		c.evictCorrupt(ctx, "query_reform", key, fmt.Errorf("empty reformulation"))
		return "", false
	}
	c.hit("query_reform")
	return out, true
}

func (c *Cache) SetReformulation(ctx context.Context, query, method, out string) {
	if !c.Enabled() || strings.TrimSpace(out) == "" {
		return
	}
	if err := c.rdb.Set(ctx, ReformulationKey(query, method), out, c.reformTTL).Err(); err != nil {
		c.log.Warn("cache set failed", "keyspace", "query_reform", "error", err)
	}
}

// GetSearch returns the raw cached payload for a search key. The caller owns
// decoding (and calls Evict when the payload turns out to be corrupt), since
// the payload shape has a legacy and a current form.
func (c *Cache) GetSearch(ctx context.Context, key string) ([]byte, bool) {
	if !c.Enabled() {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		c.miss("search", err, key)
		return nil, false
	}
	c.hit("search")
	return raw, true
}

func (c *Cache) SetSearch(ctx context.Context, key string, payload any) {
	if !c.Enabled() {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("cache marshal failed", "keyspace", "search", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.searchTTL).Err(); err != nil {
		c.log.Warn("cache set failed", "keyspace", "search", "error", err)
	}
}

func (c *Cache) Evict(ctx context.Context, key string) {
	if !c.Enabled() {
		return
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.log.Warn("cache evict failed", "key", key, "error", err)
	}
}

// InvalidateTenant sweeps every cached search result belonging to a tenant.
// Embedding and reformulation entries are tenant-agnostic by construction
// and survive the sweep.
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID string) (int64, error) {
	if !c.Enabled() {
		return 0, nil
	}
	pattern := SearchPrefix(tenantID) + "*"
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("del: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

type Stats struct {
	Enabled    bool    `json:"enabled"`
	Keys       int64   `json:"keys"`
	MemoryUsed string  `json:"memory_used,omitempty"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

func (c *Cache) Stats(ctx context.Context) Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Enabled: c.Enabled(),
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	if !c.Enabled() {
		return s
	}
	if n, err := c.rdb.DBSize(ctx).Result(); err == nil {
		s.Keys = n
	}
	if info, err := c.rdb.Info(ctx, "memory").Result(); err == nil {
		s.MemoryUsed = parseUsedMemory(info)
	}
	return s
}

func (c *Cache) hit(keyspace string) {
	c.hits.Add(1)
	observability.Current().ObserveCache(keyspace, "hit")
}

func (c *Cache) miss(keyspace string, err error, key string) {
	c.misses.Add(1)
	observability.Current().ObserveCache(keyspace, "miss")
	if err != nil && err != goredis.Nil {
		c.log.Warn("cache read failed", "key", key, "error", err)
	}
}

func (c *Cache) evictCorrupt(ctx context.Context, keyspace, key string, err error) {
	c.misses.Add(1)
	observability.Current().ObserveCache(keyspace, "evict")
	c.log.Warn("cache payload corrupted, evicting", "key", key, "error", err)
	if derr := c.rdb.Del(ctx, key).Err(); derr != nil {
		c.log.Warn("cache evict failed", "key", key, "error", derr)
	}
}

func parseUsedMemory(info string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "used_memory_human:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
