// Package cache holds one expensive upstream fact per resource (the file
// size) in the shared backend, with lazy TTL expiry: a value older than the
// TTL reads as absent and is removed later by cleanup.
package cache

import (
	"context"
	"log/slog"
	"time"
)

// Store persists cache rows. Backend adapters implement it.
type Store interface {
	CacheGet(ctx context.Context, key string, ttl time.Duration, now int64) (int64, bool, error)
	CachePut(ctx context.Context, key string, value int64, now int64) error
}

type Cache struct {
	store Store
	ttl   time.Duration
}

func New(store Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the value for key if it was written no more than TTL ago.
func (c *Cache) Get(ctx context.Context, key string, now int64) (int64, bool, error) {
	return c.store.CacheGet(ctx, key, c.ttl, now)
}

// Put stores value for key. Failures are logged and swallowed: a lost cache
// write only costs a future upstream lookup, so callers run it in the
// background and never fail a request on it.
func (c *Cache) Put(ctx context.Context, key string, value int64, now int64) {
	if err := c.store.CachePut(ctx, key, value, now); err != nil {
		slog.Warn("Cache write failed", "resource", key, "error", err)
	}
}

// Fresh reports whether a row written at writtenAt is still valid at now.
// Backends evaluating the TTL themselves must agree with it.
func Fresh(writtenAt, now int64, ttl time.Duration) bool {
	return now-writtenAt <= int64(ttl/time.Second)
}
