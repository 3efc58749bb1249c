package notifier

import (
	"sync"
	"time"
)

// dedupCache maps a content key to its suppress-until time. Entries past their
// deadline are treated as absent and dropped by Sweep.
type dedupCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]time.Time
}

func newDedupCache(max int) *dedupCache {
	return &dedupCache{max: max, entries: map[string]time.Time{}}
}

// Suppressed reports whether key is still inside its window at now.
func (c *dedupCache) Suppressed(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.entries[key]
	return ok && now.Before(until)
}

// Mark records key as suppressed until the given time and enforces the size cap
// by evicting the entries that expire first.
func (c *dedupCache) Mark(key string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = until
	for c.max > 0 && len(c.entries) > c.max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range c.entries {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		delete(c.entries, minKey)
	}
}

// Forget removes key regardless of its deadline.
func (c *dedupCache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Sweep drops every expired entry and returns how many were removed.
func (c *dedupCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, until := range c.entries {
		if !now.Before(until) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *dedupCache) SetMax(max int) {
	c.mu.Lock()
	c.max = max
	c.mu.Unlock()
}

func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
