package cachemanager

import (
	"context"
	"time"
)

// DefaultThrottleWindow is the window used when a Throttle is created with a non-positive one.
const DefaultThrottleWindow = 30 * time.Second

// Throttle lets an action through at most once per key per window.
type Throttle struct {
	window time.Duration
	seen   CacheManager[string, struct{}]
}

// NewThrottle creates a Throttle. A window of zero or less uses DefaultThrottleWindow.
func NewThrottle(name string, window time.Duration) *Throttle {
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	return &Throttle{
		window: window,
		seen:   NewInMemoryCacheManager[string, struct{}](name, window, 2*window),
	}
}

// Allow reports whether the action for key may proceed now.
// The first call for a key returns true; later calls return false until the window passes.
func (t *Throttle) Allow(key string) bool {
	return t.seen.SetIfAbsent(context.Background(), key, struct{}{}, t.window)
}

// Reset forgets every key.
func (t *Throttle) Reset() {
	_ = t.seen.Flush(context.Background())
}
