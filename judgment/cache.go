package judgment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/floorworks/forgefloor/core"
)

// Cache is a content-addressed JudgmentExecution cache, generalized from
// pkg/routing/cache.go's SimpleCache: key = hash(ruleset_version ∥
// prompt_version ∥ canonicalized_input ∥ policy) per spec.md §4.2, entries
// own their TTL, and the cache uses optimistic reads / write-on-miss (lost
// updates under concurrent misses are acceptable, spec.md §5 "entries are
// content-addressed").
//
// A Cache is always backed by a process-local map. It optionally also
// write-throughs to Redis (WithRedisBackend), so a judgment fusion result
// computed by one engine replica is visible to every other replica
// sharing the same ruleset — the external, shared store spec.md §4.2's
// cache layer implies for a multi-instance deployment.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheRecord

	redis  *redis.Client
	logger core.Logger
}

type cacheRecord struct {
	entry          JudgmentCacheEntry
	execution      JudgmentExecution
	rulesetID      string
	rulesetVersion int
}

// redisCacheRecord is cacheRecord's wire form for the shared store.
type redisCacheRecord struct {
	Entry          JudgmentCacheEntry `json:"entry"`
	Execution      JudgmentExecution  `json:"execution"`
	RulesetID      string             `json:"ruleset_id"`
	RulesetVersion int                `json:"ruleset_version"`
}

// CacheOption configures a Cache via the teacher's functional-options
// convention.
type CacheOption func(*Cache)

// WithRedisBackend makes a Cache write through to client in addition to
// its local map, and fall back to it on a local miss. client is nil-safe:
// a nil client leaves the Cache purely in-memory.
func WithRedisBackend(client *redis.Client) CacheOption {
	return func(c *Cache) { c.redis = client }
}

// WithCacheLogger attaches l so Redis I/O failures (which never fail the
// calling Get/Put per spec.md's "cache is an optimization, not a source
// of truth") are still observable.
func WithCacheLogger(l core.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// NewCache creates a Cache, local-only unless WithRedisBackend is given.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{entries: make(map[string]*cacheRecord), logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) redisKey(key string) string { return "forgefloor:judgment:cache:" + key }

// Key computes the content-address for an Input, per spec.md §4.2.
func Key(in Input) string {
	canonical, _ := json.Marshal(canonicalize(in.Data))
	h := sha256.New()
	h.Write([]byte(in.RulesetID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(in.RulesetVersion)))
	h.Write([]byte{0})
	h.Write([]byte(in.PromptVersion))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(in.Policy))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached execution for key if present and still valid
// (expires_at > now per spec.md §3's invariant), incrementing hit_count.
// An expired entry is treated as a miss and removed from the local map
// on that read, matching spec.md §3 "garbage-collected lazily on read". A local
// miss falls through to Redis (if configured) before reporting a miss,
// populating the local map on success so the next Get for the same key
// stays in-process.
func (c *Cache) Get(ctx context.Context, key string) (JudgmentExecution, JudgmentCacheEntry, bool) {
	c.mu.RLock()
	rec, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		rec, ok = c.getFromRedis(ctx, key)
		if ok {
			c.mu.Lock()
			c.entries[key] = rec
			c.mu.Unlock()
		}
	}
	if !ok {
		return JudgmentExecution{}, JudgmentCacheEntry{}, false
	}
	if !rec.entry.ExpiresAt.After(time.Now()) {
		c.mu.Lock()
		if cur, present := c.entries[key]; present && cur == rec {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return JudgmentExecution{}, JudgmentCacheEntry{}, false
	}

	c.mu.Lock()
	rec.entry.HitCount++
	c.mu.Unlock()

	return rec.execution, rec.entry, true
}

// Put stores execution under key with the given TTL, tagged with the
// ruleset version it was computed against so InvalidateRulesetVersion can
// find it later, and write-throughs to Redis when configured.
func (c *Cache) Put(ctx context.Context, key string, execution JudgmentExecution, ttlSeconds int64, rulesetID string, rulesetVersion int) {
	rec := &cacheRecord{
		entry: JudgmentCacheEntry{
			Key:         key,
			ExecutionID: execution.ID,
			TTLSeconds:  ttlSeconds,
			ExpiresAt:   time.Now().Add(time.Duration(ttlSeconds) * time.Second),
		},
		execution:      execution,
		rulesetID:      rulesetID,
		rulesetVersion: rulesetVersion,
	}

	c.mu.Lock()
	c.entries[key] = rec
	c.mu.Unlock()

	c.putToRedis(ctx, key, rec, ttlSeconds)
}

// InvalidateRulesetVersion drops every entry computed against rulesetID at
// rulesetVersion. Ruleset publish/rollback SHOULD call this per spec.md
// §4.2, though lazy eviction (letting entries go stale because the key
// already carries the version) is also spec-conformant. Redis entries are
// left to expire by their own TTL: Redis holds no ruleset-version index
// to scan, and the key already embeds the version (see Key), so a stale
// Redis entry is simply never looked up again under a fresh key.
func (c *Cache) InvalidateRulesetVersion(rulesetID string, rulesetVersion int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, rec := range c.entries {
		if rec.rulesetID == rulesetID && rec.rulesetVersion == rulesetVersion {
			delete(c.entries, k)
		}
	}
}

// getFromRedis reads and decodes a shared-store entry. Any failure
// (including no Redis configured) is treated as a miss, never an error:
// the cache is an optimization, per spec.md, not a source of truth.
func (c *Cache) getFromRedis(ctx context.Context, key string) (*cacheRecord, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("judgment cache redis get failed", map[string]interface{}{
				"operation": "judgment_cache_redis_get",
				"key":       key,
				"error":     err.Error(),
			})
		}
		return nil, false
	}

	var wire redisCacheRecord
	if err := json.Unmarshal(raw, &wire); err != nil {
		c.logger.Warn("judgment cache redis decode failed", map[string]interface{}{
			"operation": "judgment_cache_redis_get",
			"key":       key,
			"error":     err.Error(),
		})
		return nil, false
	}
	return &cacheRecord{
		entry:          wire.Entry,
		execution:      wire.Execution,
		rulesetID:      wire.RulesetID,
		rulesetVersion: wire.RulesetVersion,
	}, true
}

// putToRedis writes rec to the shared store with the same TTL the local
// entry carries. Failures are logged, not returned: Put never fails the
// judgment call over a cache-layer hiccup.
func (c *Cache) putToRedis(ctx context.Context, key string, rec *cacheRecord, ttlSeconds int64) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(redisCacheRecord{
		Entry:          rec.entry,
		Execution:      rec.execution,
		RulesetID:      rec.rulesetID,
		RulesetVersion: rec.rulesetVersion,
	})
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.redisKey(key), raw, time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
		c.logger.Warn("judgment cache redis put failed", map[string]interface{}{
			"operation": "judgment_cache_redis_put",
			"key":       key,
			"error":     err.Error(),
		})
	}
}

// canonicalize deep-sorts map keys so two semantically identical inputs
// with different field order hash identically.
func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(val))
		for _, k := range keys {
			out[k] = canonicalize(val[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return val
	}
}
