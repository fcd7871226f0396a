package rules

import "time"

// Redis key prefixes for the shared second tier.
const (
	iocKeyPrefix  = "rules:ioc:host:"
	seenKeyPrefix = "rules:seen:"
)

// negativeMarker caches a confirmed miss so hot unknown hosts do not hammer
// the authoritative store.
const negativeMarker = "!"

// CacheTTL holds the TTL configuration for the rules cache tiers.
type CacheTTL struct {
	IOCLocal   time.Duration
	IOCRedis   time.Duration
	SeenLocal  time.Duration
	SeenRedis  time.Duration
	AllowLocal time.Duration
}

// DefaultCacheTTL returns the standard tier TTLs.
func DefaultCacheTTL() CacheTTL {
	return CacheTTL{
		IOCLocal:   time.Hour,
		IOCRedis:   4 * time.Hour,
		SeenLocal:  time.Hour,
		SeenRedis:  24 * time.Hour,
		AllowLocal: 5 * time.Minute,
	}
}

func iocCacheKey(host string) string {
	return iocKeyPrefix + host
}

func seenCacheKey(typ, key string) string {
	return seenKeyPrefix + typ + ":" + key
}
