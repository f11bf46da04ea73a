package storage

import (
	"context"
	"time"

	"github.com/allegro/bigcache/v3"
)

// NewLocalCache builds the in-process cache used for routing lookups
func NewLocalCache(ctx context.Context, ttl time.Duration, maxEntries int) (*bigcache.BigCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	config := bigcache.DefaultConfig(ttl)
	config.Shards = 16
	config.MaxEntriesInWindow = maxEntries
	config.MaxEntrySize = 500
	config.CleanWindow = ttl
	config.Verbose = false

	return bigcache.New(ctx, config)
}
