package healthprobe

import (
	"sync"
	"time"
)

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// resultCache is a TTL cache of the last probe Result per endpoint URL,
// adapted from the teacher's HealthCache (cache.go); its only reader is
// Prober.LastResult, which lets the admin health snapshot show the last
// probe error without triggering a synchronous probe.
type resultCache struct {
	mu       sync.RWMutex
	entries  map[string]cacheEntry
	duration time.Duration
}

func newResultCache(duration time.Duration) *resultCache {
	c := &resultCache{entries: make(map[string]cacheEntry), duration: duration}
	go c.cleanupLoop()
	return c
}

func (c *resultCache) get(url string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[url]
	if !ok || time.Now().After(e.expiresAt) {
		return Result{}, false
	}
	return e.result, true
}

func (c *resultCache) set(url string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = cacheEntry{result: r, expiresAt: time.Now().Add(c.duration)}
}

func (c *resultCache) cleanupLoop() {
	ticker := time.NewTicker(c.duration / 2)
	defer ticker.Stop()
	for range ticker.C {
		c.removeExpired()
	}
}

func (c *resultCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for url, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, url)
		}
	}
}
