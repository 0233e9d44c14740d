// Package cache implements a two-tier retrieval cache. L1 is an
// in-process, per-tenant-partitioned LRU (grounded in
// Aman-CERP-amanmcp's internal/embed/cached.go golang-lru usage); L2 is
// a shared Redis cache with TTL and a stale-while-revalidate window
// (grounded in semaj90-mau5law/go-enhanced-rag-service/pkg/cache's
// InMemoryCache/RedisCache shape, extended with SWR bookkeeping).
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Fingerprint identifies a cache entry. It must not mix tenants: every
// fingerprint carries tenantId as its first component.
type Fingerprint struct {
	TenantID  string
	SiteID    string
	Query     string
	Filters   string // normalized, stably-ordered filter set
	Mode      string // retrieval mode flags (strategies + hybrid weights)
}

// Key renders a Fingerprint into a stable cache key, hashed so Redis
// never sees raw query text as a key.
func (f Fingerprint) Key() string {
	raw := strings.Join([]string{f.TenantID, f.SiteID, f.Query, f.Filters, f.Mode}, "\x1f")
	sum := sha256.Sum256([]byte(raw))
	return "kbcache:" + hex.EncodeToString(sum[:])
}

// Tag scopes invalidation to a tenant, optionally narrowed to a site.
type Tag struct {
	TenantID string
	SiteID   string
}

func (t Tag) key() string {
	if t.SiteID == "" {
		return "tag:" + t.TenantID
	}
	return "tag:" + t.TenantID + ":" + t.SiteID
}

// entry is what is actually stored in both tiers.
type entry struct {
	Value     json.RawMessage `json:"value"`
	Tag       string          `json:"tag"`
	StoredAt  time.Time       `json:"stored_at"`
	TTL       time.Duration   `json:"ttl"`
}

func (e entry) expiresAt() time.Time { return e.StoredAt.Add(e.TTL) }

// GetResult reports the outcome of a Get call.
type GetResult struct {
	Hit           bool
	Stale         bool // fresh=false but within the SWR window: caller should refresh in background
	Value         json.RawMessage
}

// Cache is the two-tier retrieval cache.
type Cache struct {
	l1        *lru.Cache[string, entry]
	l1Tags    sync.Map // tag -> set of keys (map[string]struct{} behind a mutex-free sync.Map of *sync.Map)
	l2        *redis.Client
	ttl       time.Duration
	swrWindow time.Duration
}

// Config configures both tiers.
type Config struct {
	L1Size    int
	TTL       time.Duration
	SWRWindow time.Duration
	RedisURL  string // empty disables L2
}

// New builds a Cache; L2 is optional (nil client) when RedisURL is empty,
// so the cache still functions (L1-only) in tests/dev.
func New(cfg Config) (*Cache, error) {
	size := cfg.L1Size
	if size <= 0 {
		size = 10_000
	}
	l1, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("cache: new L1: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	swr := cfg.SWRWindow
	if swr < 0 {
		swr = 0
	}

	c := &Cache{l1: l1, ttl: ttl, swrWindow: swr}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("cache: parse redis url: %w", err)
		}
		c.l2 = redis.NewClient(opt)
	}
	return c, nil
}

// Get performs the tiered lookup: a fresh L1 hit returns
// immediately, and a stale-but-within-SWR L1 hit is returned with
// Stale=true without probing L2; otherwise L2 is probed. A fresh L2 hit
// repopulates L1; a stale-but-within-SWR L2 hit is returned with
// Stale=true (L1 is not repopulated) so the caller can schedule a
// background refresh; anything older is a miss.
func (c *Cache) Get(ctx context.Context, fp Fingerprint) (GetResult, error) {
	key := fp.Key()

	if e, ok := c.l1.Get(key); ok {
		if time.Now().Before(e.expiresAt()) {
			return GetResult{Hit: true, Value: e.Value}, nil
		}
		if c.withinSWR(e) {
			return GetResult{Hit: true, Stale: true, Value: e.Value}, nil
		}
		c.l1.Remove(key)
	}

	if c.l2 == nil {
		return GetResult{}, nil
	}

	raw, err := c.l2.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return GetResult{}, nil
	}
	if err != nil {
		return GetResult{}, fmt.Errorf("cache: l2 get: %w", err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return GetResult{}, fmt.Errorf("cache: decode l2 entry: %w", err)
	}

	if time.Now().Before(e.expiresAt()) {
		c.l1.Add(key, e)
		c.trackTag(e.Tag, key)
		return GetResult{Hit: true, Value: e.Value}, nil
	}
	if c.withinSWR(e) {
		return GetResult{Hit: true, Stale: true, Value: e.Value}, nil
	}
	return GetResult{}, nil
}

func (c *Cache) withinSWR(e entry) bool {
	if c.swrWindow <= 0 {
		return false
	}
	return time.Now().Before(e.expiresAt().Add(c.swrWindow))
}

// Set writes value to both tiers with the configured TTL. Entries are
// tagged under both their site-scoped tag and their tenant-wide tag so
// that Invalidate can evict by either granularity.
func (c *Cache) Set(ctx context.Context, fp Fingerprint, value json.RawMessage) error {
	key := fp.Key()
	siteTag := Tag{TenantID: fp.TenantID, SiteID: fp.SiteID}.key()
	tags := []string{siteTag}
	if tenantTag := (Tag{TenantID: fp.TenantID}).key(); tenantTag != siteTag {
		tags = append(tags, tenantTag)
	}

	e := entry{Value: value, Tag: siteTag, StoredAt: time.Now(), TTL: c.ttl}
	c.l1.Add(key, e)
	for _, tag := range tags {
		c.trackTag(tag, key)
	}

	if c.l2 == nil {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode l2 entry: %w", err)
	}
	// Store for TTL+SWR so a stale read within the SWR window is still
	// retrievable from L2 after L1 eviction.
	if err := c.l2.Set(ctx, key, raw, c.ttl+c.swrWindow).Err(); err != nil {
		return fmt.Errorf("cache: l2 set: %w", err)
	}
	for _, tag := range tags {
		if err := c.l2.SAdd(ctx, "tagset:"+tag, key).Err(); err != nil {
			return fmt.Errorf("cache: l2 sadd tagset: %w", err)
		}
	}
	return nil
}

func (c *Cache) trackTag(tag, key string) {
	v, _ := c.l1Tags.LoadOrStore(tag, &sync.Map{})
	keys := v.(*sync.Map)
	keys.Store(key, struct{}{})
}

// Invalidate removes every entry tagged with the given scope from both
// tiers. Passing a zero SiteID scopes to the whole tenant.
func (c *Cache) Invalidate(ctx context.Context, scope Tag) error {
	tag := scope.key()
	if v, ok := c.l1Tags.Load(tag); ok {
		keys := v.(*sync.Map)
		keys.Range(func(k, _ any) bool {
			c.l1.Remove(k.(string))
			return true
		})
		c.l1Tags.Delete(tag)
	}

	if c.l2 == nil {
		return nil
	}
	// L2 has no native per-tag index, so Set maintains a parallel Redis
	// set of keys per tag that Invalidate reads and deletes here.
	setKey := "tagset:" + tag
	members, err := c.l2.SMembers(ctx, setKey).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("cache: l2 smembers: %w", err)
	}
	if len(members) > 0 {
		if err := c.l2.Del(ctx, members...).Err(); err != nil {
			return fmt.Errorf("cache: l2 del: %w", err)
		}
	}
	if err := c.l2.Del(ctx, setKey).Err(); err != nil {
		return fmt.Errorf("cache: l2 del tagset: %w", err)
	}
	return nil
}

// Close releases the L2 client, if any.
func (c *Cache) Close() error {
	if c.l2 == nil {
		return nil
	}
	return c.l2.Close()
}
