package rules

import (
	"context"
	"fmt"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
)

const (
	allowKeyPrefix = "rules:allow:"

	allowHit  = "1"
	allowMiss = "0"
)

// AllowListChecker caches allow-list membership in a short-TTL local LRU in
// front of the repository. Allow-list edits are rare and a few minutes of
// staleness is acceptable, so there is no shared Redis tier here.
type AllowListChecker struct {
	local   *LocalLRU
	repo    core.AllowListRepository
	ttl     CacheTTL
	metrics CacheMetrics
}

// AllowListCheckerDeps bundles dependencies for NewAllowListChecker.
type AllowListCheckerDeps struct {
	Local   *LocalLRU
	Repo    core.AllowListRepository
	TTL     CacheTTL
	Metrics CacheMetrics
}

// NewAllowListChecker creates an AllowListChecker.
func NewAllowListChecker(deps AllowListCheckerDeps) *AllowListChecker {
	m := deps.Metrics
	if m == nil {
		m = NoopCacheMetrics{}
	}
	return &AllowListChecker{
		local:   deps.Local,
		repo:    deps.Repo,
		ttl:     deps.TTL,
		metrics: m,
	}
}

// Contains reports whether (typ, key) is allow-listed. FQDN entries cover the
// key and its subdomains; the repository query handles that matching.
func (c *AllowListChecker) Contains(ctx context.Context, typ model.AllowListType, key string) (bool, error) {
	if typ == model.AllowListFQDN {
		key = model.NormalizeHost(key)
	}
	cacheKey := allowKeyPrefix + string(typ) + ":" + key

	if c.local != nil {
		if raw, ok := c.local.Get(cacheKey); ok {
			c.metrics.RecordCacheEvent(CacheEvent{Name: CacheAllow, Tier: TierLocal, Op: OpHit, Ok: true})
			return string(raw) == allowHit, nil
		}
		c.metrics.RecordCacheEvent(CacheEvent{Name: CacheAllow, Tier: TierLocal, Op: OpMiss, Ok: true})
	}

	if c.repo == nil {
		return false, nil
	}
	contains, err := c.repo.Contains(ctx, typ, key)
	if err != nil {
		return false, fmt.Errorf("allow list lookup: %w", err)
	}
	c.metrics.RecordCacheEvent(CacheEvent{Name: CacheAllow, Tier: TierRepo, Op: lookupOp(contains), Ok: true})

	if c.local != nil {
		value := allowMiss
		if contains {
			value = allowHit
		}
		c.local.Set(cacheKey, []byte(value), c.ttl.AllowLocal)
		c.metrics.RecordCacheEvent(CacheEvent{Name: CacheAllow, Tier: TierLocal, Op: OpWrite, Ok: true})
	}
	return contains, nil
}

func lookupOp(hit bool) CacheOp {
	if hit {
		return OpHit
	}
	return OpMiss
}
