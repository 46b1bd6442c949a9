// Package cachemanager provides small TTL caches used by the registry, such as the
// throttle that keeps repeated off-loop warnings from flooding the log.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is a typed key/value cache with per-entry TTL.
type CacheManager[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	// SetIfAbsent stores value only when key is missing or expired, reporting whether it did.
	SetIfAbsent(ctx context.Context, key K, value V, ttl time.Duration) bool
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
	Len() int
}
