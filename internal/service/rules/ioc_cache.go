package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
)

// IOCCache answers "does this host match an enabled indicator" through three
// tiers: process-local LRU, shared Redis, then the authoritative Postgres
// store. Hits found in a lower tier are promoted into the tiers above it.
// Both matches and confirmed misses are cached.
type IOCCache struct {
	local   *LocalLRU
	redis   core.CacheRepository
	repo    core.IOCRepository
	ttl     CacheTTL
	metrics CacheMetrics
}

// IOCCacheDeps bundles dependencies for NewIOCCache.
type IOCCacheDeps struct {
	Local   *LocalLRU
	Redis   core.CacheRepository
	Repo    core.IOCRepository
	TTL     CacheTTL
	Metrics CacheMetrics
}

// NewIOCCache creates an IOCCache.
func NewIOCCache(deps IOCCacheDeps) *IOCCache {
	m := deps.Metrics
	if m == nil {
		m = NoopCacheMetrics{}
	}
	return &IOCCache{
		local:   deps.Local,
		redis:   deps.Redis,
		repo:    deps.Repo,
		ttl:     deps.TTL,
		metrics: m,
	}
}

// LookupHost returns the enabled indicator matching the host, or nil.
func (c *IOCCache) LookupHost(ctx context.Context, host string) (*model.IOC, error) {
	host = model.NormalizeHost(host)
	if host == "" {
		return nil, nil
	}
	key := iocCacheKey(host)

	if ioc, found, err := c.lookupLocal(key); found {
		return ioc, err
	}
	if ioc, found, err := c.lookupRedis(ctx, key); found {
		return ioc, err
	}
	return c.lookupRepo(ctx, host, key)
}

func (c *IOCCache) lookupLocal(key string) (*model.IOC, bool, error) {
	if c.local == nil {
		return nil, false, nil
	}
	raw, ok := c.local.Get(key)
	if !ok {
		c.metrics.RecordCacheEvent(CacheEvent{Name: CacheIOC, Tier: TierLocal, Op: OpMiss, Ok: true})
		return nil, false, nil
	}
	c.metrics.RecordCacheEvent(CacheEvent{Name: CacheIOC, Tier: TierLocal, Op: OpHit, Ok: true})
	ioc, err := decodeCachedIOC(raw)
	return ioc, true, err
}

func (c *IOCCache) lookupRedis(ctx context.Context, key string) (*model.IOC, bool, error) {
	if c.redis == nil {
		return nil, false, nil
	}
	value, found, err := c.redis.Get(ctx, key)
	if err != nil {
		c.metrics.RecordCacheEvent(CacheEvent{Name: CacheIOC, Tier: TierRedis, Op: OpMiss, Ok: false})
		// A broken shared tier degrades to the repo, not to a failure.
		return nil, false, nil
	}
	if !found {
		c.metrics.RecordCacheEvent(CacheEvent{Name: CacheIOC, Tier: TierRedis, Op: OpMiss, Ok: true})
		return nil, false, nil
	}
	c.metrics.RecordCacheEvent(CacheEvent{Name: CacheIOC, Tier: TierRedis, Op: OpHit, Ok: true})

	if c.local != nil {
		c.local.Set(key, []byte(value), c.ttl.IOCLocal)
	}
	ioc, err := decodeCachedIOC([]byte(value))
	return ioc, true, err
}

func (c *IOCCache) lookupRepo(ctx context.Context, host, key string) (*model.IOC, error) {
	if c.repo == nil {
		return nil, nil
	}
	ioc, err := c.repo.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("ioc repo lookup: %w", err)
	}

	op := OpMiss
	encoded := []byte(negativeMarker)
	if ioc != nil {
		op = OpHit
		encoded, err = json.Marshal(ioc)
		if err != nil {
			return nil, fmt.Errorf("encode ioc: %w", err)
		}
	}
	c.metrics.RecordCacheEvent(CacheEvent{Name: CacheIOC, Tier: TierRepo, Op: op, Ok: true})

	if c.redis != nil {
		if setErr := c.redis.Set(ctx, key, string(encoded), c.ttl.IOCRedis); setErr != nil {
			c.metrics.RecordCacheEvent(CacheEvent{Name: CacheIOC, Tier: TierRedis, Op: OpWrite, Ok: false})
		} else {
			c.metrics.RecordCacheEvent(CacheEvent{Name: CacheIOC, Tier: TierRedis, Op: OpWrite, Ok: true})
		}
	}
	if c.local != nil {
		c.local.Set(key, encoded, c.ttl.IOCLocal)
		c.metrics.RecordCacheEvent(CacheEvent{Name: CacheIOC, Tier: TierLocal, Op: OpWrite, Ok: true})
	}
	return ioc, nil
}

func decodeCachedIOC(raw []byte) (*model.IOC, error) {
	if string(raw) == negativeMarker {
		return nil, nil
	}
	var ioc model.IOC
	if err := json.Unmarshal(raw, &ioc); err != nil {
		return nil, fmt.Errorf("decode cached ioc: %w", err)
	}
	return &ioc, nil
}
