package rules

import "github.com/target/merrymaker/internal/observability/statsd"

// Cache metric hooks. Tier-level hit/miss/write events let operators see
// which tier absorbs rule-engine traffic.

type CacheName string

type CacheTier string

type CacheOp string

const (
	CacheIOC   CacheName = "ioc"
	CacheSeen  CacheName = "seen"
	CacheAllow CacheName = "allow"
)

const (
	TierLocal CacheTier = "local"
	TierRedis CacheTier = "redis"
	TierRepo  CacheTier = "repo"
)

const (
	OpHit   CacheOp = "hit"
	OpMiss  CacheOp = "miss"
	OpWrite CacheOp = "write"
)

// CacheEvent describes one cache metric occurrence.
type CacheEvent struct {
	Name CacheName
	Tier CacheTier
	Op   CacheOp
	Ok   bool
}

// CacheMetrics receives cache events; implementations may aggregate counters.
type CacheMetrics interface {
	RecordCacheEvent(e CacheEvent)
}

// NoopCacheMetrics is the default when no metrics sink is provided.
type NoopCacheMetrics struct{}

func (NoopCacheMetrics) RecordCacheEvent(_ CacheEvent) {}

// StatsdCacheMetrics forwards cache events to a statsd sink as the
// rules.cache counter.
type StatsdCacheMetrics struct {
	Sink statsd.Sink
}

func (m StatsdCacheMetrics) RecordCacheEvent(e CacheEvent) {
	if m.Sink == nil {
		return
	}
	ok := "true"
	if !e.Ok {
		ok = "false"
	}
	m.Sink.Count("rules.cache", 1, map[string]string{
		"cache": string(e.Name),
		"tier":  string(e.Tier),
		"op":    string(e.Op),
		"ok":    ok,
	})
}

var _ CacheMetrics = NoopCacheMetrics{}
var _ CacheMetrics = StatsdCacheMetrics{}
