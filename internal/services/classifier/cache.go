package classifier

import (
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/fleetcrawl/internal/models"
)

// CacheStats is a snapshot of the classification cache
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

type cacheEntry struct {
	result   models.URLClassification
	storedAt time.Time
}

// resultCache keeps verdicts for ttl. When it grows past size it keeps the trimTo newest.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	size    int
	trimTo  int
	hits    int64
	misses  int64
	now     func() time.Time
}

func newResultCache(ttl time.Duration, size, trimTo int, now func() time.Time) *resultCache {
	if size <= 0 {
		size = 100
	}
	if trimTo <= 0 || trimTo > size {
		trimTo = size * 4 / 5
	}
	return &resultCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		size:    size,
		trimTo:  trimTo,
		now:     now,
	}
}

func (c *resultCache) get(key string) (models.URLClassification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && c.ttl > 0 && c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.misses++
		return models.URLClassification{}, false
	}
	c.hits++
	return e.result, true
}

func (c *resultCache) put(key string, result models.URLClassification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{result: result, storedAt: c.now()}
	if len(c.entries) <= c.size {
		return
	}

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].storedAt.After(c.entries[keys[j]].storedAt)
	})
	for _, k := range keys[c.trimTo:] {
		delete(c.entries, k)
	}
}

func (c *resultCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *resultCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}
