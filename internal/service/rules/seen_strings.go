package rules

import (
	"context"
	"fmt"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// seenMarker is the cached value for a string known to have been seen. The
// tiers only need presence, not the row itself.
const seenMarker = "1"

// SeenStringsCache answers "have we alerted on this string before" through
// the same three tiers as IOCCache. A positive answer found in any tier is
// promoted upward; misses are not negatively cached because Record must take
// effect immediately across workers.
type SeenStringsCache struct {
	local   *LocalLRU
	redis   core.CacheRepository
	repo    core.SeenStringRepository
	ttl     CacheTTL
	metrics CacheMetrics
}

// SeenStringsCacheDeps bundles dependencies for NewSeenStringsCache.
type SeenStringsCacheDeps struct {
	Local   *LocalLRU
	Redis   core.CacheRepository
	Repo    core.SeenStringRepository
	TTL     CacheTTL
	Metrics CacheMetrics
}

// NewSeenStringsCache creates a SeenStringsCache.
func NewSeenStringsCache(deps SeenStringsCacheDeps) *SeenStringsCache {
	m := deps.Metrics
	if m == nil {
		m = NoopCacheMetrics{}
	}
	return &SeenStringsCache{
		local:   deps.Local,
		redis:   deps.Redis,
		repo:    deps.Repo,
		ttl:     deps.TTL,
		metrics: m,
	}
}

// Seen reports whether (typ, key) has been recorded before.
func (c *SeenStringsCache) Seen(ctx context.Context, typ, key string) (bool, error) {
	cacheKey := seenCacheKey(typ, key)

	if c.local != nil {
		if _, ok := c.local.Get(cacheKey); ok {
			c.metrics.RecordCacheEvent(CacheEvent{Name: CacheSeen, Tier: TierLocal, Op: OpHit, Ok: true})
			return true, nil
		}
		c.metrics.RecordCacheEvent(CacheEvent{Name: CacheSeen, Tier: TierLocal, Op: OpMiss, Ok: true})
	}

	if c.redis != nil {
		_, found, err := c.redis.Get(ctx, cacheKey)
		if err != nil {
			c.metrics.RecordCacheEvent(CacheEvent{Name: CacheSeen, Tier: TierRedis, Op: OpMiss, Ok: false})
		} else if found {
			c.metrics.RecordCacheEvent(CacheEvent{Name: CacheSeen, Tier: TierRedis, Op: OpHit, Ok: true})
			if c.local != nil {
				c.local.Set(cacheKey, []byte(seenMarker), c.ttl.SeenLocal)
			}
			return true, nil
		} else {
			c.metrics.RecordCacheEvent(CacheEvent{Name: CacheSeen, Tier: TierRedis, Op: OpMiss, Ok: true})
		}
	}

	if c.repo == nil {
		return false, nil
	}
	_, err := c.repo.Lookup(ctx, typ, key)
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.metrics.RecordCacheEvent(CacheEvent{Name: CacheSeen, Tier: TierRepo, Op: OpMiss, Ok: true})
			return false, nil
		}
		return false, fmt.Errorf("seen string lookup: %w", err)
	}
	c.metrics.RecordCacheEvent(CacheEvent{Name: CacheSeen, Tier: TierRepo, Op: OpHit, Ok: true})
	c.populate(ctx, cacheKey)
	return true, nil
}

// Record persists (typ, key) as seen and populates the cache tiers so other
// workers suppress immediately.
func (c *SeenStringsCache) Record(ctx context.Context, typ, key string) error {
	if c.repo != nil {
		req := model.RecordSeenStringRequest{Type: typ, Key: key}
		if err := req.Validate(); err != nil {
			return apperrors.Validation(err.Error())
		}
		if _, err := c.repo.RecordSeen(ctx, req); err != nil {
			return fmt.Errorf("record seen string: %w", err)
		}
	}
	c.populate(ctx, seenCacheKey(typ, key))
	return nil
}

func (c *SeenStringsCache) populate(ctx context.Context, cacheKey string) {
	if c.redis != nil {
		if err := c.redis.Set(ctx, cacheKey, seenMarker, c.ttl.SeenRedis); err != nil {
			c.metrics.RecordCacheEvent(CacheEvent{Name: CacheSeen, Tier: TierRedis, Op: OpWrite, Ok: false})
		} else {
			c.metrics.RecordCacheEvent(CacheEvent{Name: CacheSeen, Tier: TierRedis, Op: OpWrite, Ok: true})
		}
	}
	if c.local != nil {
		c.local.Set(cacheKey, []byte(seenMarker), c.ttl.SeenLocal)
		c.metrics.RecordCacheEvent(CacheEvent{Name: CacheSeen, Tier: TierLocal, Op: OpWrite, Ok: true})
	}
}
