package orchestrator

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/schemahub/internal/logging"
	"github.com/wudi/schemahub/internal/metrics"
	"github.com/wudi/schemahub/internal/schema"
)

const (
	cachePrefix       = "schemahub:compose:"
	cacheRedisTimeout = 100 * time.Millisecond
)

// Cache memoizes composition results keyed by the schema set. The first
// tier is an in-process LRU; an optional redis tier shares results across
// replicas. Redis problems degrade to cache misses.
type Cache struct {
	validate *lru.Cache[string, []schema.Error]
	build    *lru.Cache[string, *schema.Built]
	redis    *redis.Client
	ttl      time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a composition cache. rdb may be nil to run with the
// in-process tier only.
func NewCache(size int, rdb *redis.Client, ttl time.Duration) (*Cache, error) {
	if size <= 0 {
		size = 512
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	validate, err := lru.New[string, []schema.Error](size)
	if err != nil {
		return nil, fmt.Errorf("create validate cache: %w", err)
	}
	build, err := lru.New[string, *schema.Built](size)
	if err != nil {
		return nil, fmt.Errorf("create build cache: %w", err)
	}
	return &Cache{validate: validate, build: build, redis: rdb, ttl: ttl}, nil
}

// key fingerprints one composition operation: the operation, the project
// type, the external endpoint (composition rules differ per service) and
// the ordered schema set.
func (c *Cache) key(op string, kind schema.ProjectType, external *schema.ExternalComposition, schemas []schema.Object) string {
	d := xxhash.New()
	d.WriteString(op)
	d.WriteString("|")
	d.WriteString(string(kind))
	d.WriteString("|")
	if external != nil {
		d.WriteString(external.Endpoint)
	}
	for i := range schemas {
		d.WriteString("|")
		d.WriteString(schemas[i].Service)
		d.WriteString(":")
		d.WriteString(schemas[i].Checksum())
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

func (c *Cache) getValidate(key string) ([]schema.Error, bool) {
	if errs, ok := c.validate.Get(key); ok {
		c.hits.Add(1)
		metrics.CompositionCacheHits.Inc()
		return errs, true
	}
	var errs []schema.Error
	if c.redisGet(key, &errs) {
		c.validate.Add(key, errs)
		c.hits.Add(1)
		metrics.CompositionCacheHits.Inc()
		return errs, true
	}
	c.misses.Add(1)
	metrics.CompositionCacheMisses.Inc()
	return nil, false
}

func (c *Cache) putValidate(key string, errs []schema.Error) {
	if errs == nil {
		errs = []schema.Error{}
	}
	c.validate.Add(key, errs)
	c.redisSet(key, errs)
}

func (c *Cache) getBuild(key string) (*schema.Built, bool) {
	if built, ok := c.build.Get(key); ok {
		c.hits.Add(1)
		metrics.CompositionCacheHits.Inc()
		return built, true
	}
	var built schema.Built
	if c.redisGet(key, &built) {
		c.build.Add(key, &built)
		c.hits.Add(1)
		metrics.CompositionCacheHits.Inc()
		return &built, true
	}
	c.misses.Add(1)
	metrics.CompositionCacheMisses.Inc()
	return nil, false
}

func (c *Cache) putBuild(key string, built *schema.Built) {
	if built == nil {
		return
	}
	c.build.Add(key, built)
	c.redisSet(key, built)
}

func (c *Cache) redisGet(key string, dest interface{}) bool {
	if c.redis == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheRedisTimeout)
	defer cancel()

	data, err := c.redis.Get(ctx, cachePrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.Warn("Composition cache redis get failed", zap.Error(err), zap.String("key", key))
		}
		return false
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(dest); err != nil {
		logging.Warn("Composition cache decode failed", zap.Error(err), zap.String("key", key))
		return false
	}
	return true
}

func (c *Cache) redisSet(key string, value interface{}) {
	if c.redis == nil {
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		logging.Warn("Composition cache encode failed", zap.Error(err), zap.String("key", key))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheRedisTimeout)
	defer cancel()

	if err := c.redis.Set(ctx, cachePrefix+key, buf.Bytes(), c.ttl).Err(); err != nil {
		logging.Warn("Composition cache redis set failed", zap.Error(err), zap.String("key", key))
	}
}

// Stats returns cache statistics.
func (c *Cache) Stats() map[string]interface{} {
	return map[string]interface{}{
		"hits":          c.hits.Load(),
		"misses":        c.misses.Load(),
		"validate_size": c.validate.Len(),
		"build_size":    c.build.Len(),
		"redis_enabled": c.redis != nil,
	}
}

// cachedOrchestrator decorates an orchestrator with the composition
// cache. Faults and absent build results are never cached.
type cachedOrchestrator struct {
	inner Orchestrator
	kind  schema.ProjectType
	cache *Cache
}

// WithCache wraps an orchestrator so repeated compositions of the same
// schema set are served from the cache.
func WithCache(inner Orchestrator, kind schema.ProjectType, c *Cache) Orchestrator {
	if c == nil {
		return inner
	}
	return &cachedOrchestrator{inner: inner, kind: kind, cache: c}
}

func (o *cachedOrchestrator) Validate(ctx context.Context, schemas []schema.Object, external *schema.ExternalComposition) ([]schema.Error, error) {
	key := o.cache.key("validate", o.kind, external, schemas)
	if errs, ok := o.cache.getValidate(key); ok {
		return errs, nil
	}
	errs, err := o.inner.Validate(ctx, schemas, external)
	if err != nil {
		return nil, err
	}
	o.cache.putValidate(key, errs)
	return errs, nil
}

func (o *cachedOrchestrator) Build(ctx context.Context, schemas []schema.Object, external *schema.ExternalComposition) (*schema.Built, error) {
	key := o.cache.key("build", o.kind, external, schemas)
	if built, ok := o.cache.getBuild(key); ok {
		return built, nil
	}
	built, err := o.inner.Build(ctx, schemas, external)
	if err != nil {
		return nil, err
	}
	o.cache.putBuild(key, built)
	return built, nil
}
