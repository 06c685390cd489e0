package tiersync

import (
	"sync"
	"time"
)

// entitlementCache keeps the last known entitlement per user so access checks
// can serve a stale-but-safe read when the backing store is unavailable.
type entitlementCache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	maxEntries int
}

type cacheEntry struct {
	ent      UserEntitlement
	storedAt time.Time
}

func newEntitlementCache(maxEntries int) *entitlementCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &entitlementCache{
		entries:    make(map[string]cacheEntry),
		maxEntries: maxEntries,
	}
}

// get returns the cached entitlement if it is younger than maxAge.
func (c *entitlementCache) get(userID string, maxAge time.Duration, now time.Time) (*UserEntitlement, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[userID]
	if !ok {
		return nil, false
	}
	if maxAge > 0 && now.Sub(e.storedAt) > maxAge {
		return nil, false
	}
	ent := e.ent
	return &ent, true
}

func (c *entitlementCache) set(userID string, ent *UserEntitlement, now time.Time) {
	if ent == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		if _, exists := c.entries[userID]; !exists {
			c.evictOldestLocked()
		}
	}
	c.entries[userID] = cacheEntry{ent: *ent, storedAt: now}
}

func (c *entitlementCache) invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// evictOldestLocked drops the entry with the oldest storedAt. Callers hold the
// write lock.
func (c *entitlementCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.storedAt.Before(oldest) {
			oldestKey = k
			oldest = e.storedAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
