package manager

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// statusCache coalesces concurrent GetStatus snapshot requests and serves a
// short-TTL cached value, grounded on the teacher's channel_summary.go
// (TTL cache + singleflight.Group). GetStatus itself is cheap (an
// in-memory map walk), but the admin HTTP surface can poll it frequently
// from multiple operators, and coalescing keeps that polling from
// serializing on the live-map mutex under load.
type statusCache struct {
	mu      sync.Mutex
	value   Status
	expiry  time.Time
	ttl     time.Duration
	group   singleflight.Group
}

func newStatusCache(ttl time.Duration) *statusCache {
	return &statusCache{ttl: ttl}
}

// getOrRefresh returns the cached Status if still fresh, otherwise
// recomputes via compute exactly once even under concurrent callers.
func (c *statusCache) getOrRefresh(compute func() Status) Status {
	c.mu.Lock()
	if time.Now().Before(c.expiry) {
		v := c.value
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do("status", func() (any, error) {
		result := compute()
		c.mu.Lock()
		c.value = result
		c.expiry = time.Now().Add(c.ttl)
		c.mu.Unlock()
		return result, nil
	})
	return v.(Status)
}
