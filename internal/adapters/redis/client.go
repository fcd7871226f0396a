// Package redis provides the Redis-backed session store and rules cache tier.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientConfig selects and configures the Redis topology.
type ClientConfig struct {
	// Addr is the single-node address, ignored when sentinel is configured.
	Addr     string
	Password string
	DB       int

	// SentinelAddrs switches the client to sentinel failover mode.
	SentinelAddrs []string
	MasterName    string

	DialTimeout time.Duration
}

// NewClient builds a UniversalClient for the configured topology and verifies
// connectivity with a ping.
func NewClient(ctx context.Context, cfg ClientConfig) (redis.UniversalClient, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	var client redis.UniversalClient
	if len(cfg.SentinelAddrs) > 0 {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			DialTimeout:   dialTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: dialTimeout,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
