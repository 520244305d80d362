package handlers

import (
	"sync"
	"time"

	"github.com/danantara/anivault/internal/providers"
)

// episodeCache holds per-anime episode lists gathered during cold
// resolution, so warm detail requests serve without provider
// round-trips.
type episodeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[int]episodeCacheEntry
}

type episodeCacheEntry struct {
	lists     map[string][]providers.Episode
	expiresAt time.Time
}

func newEpisodeCache(ttl time.Duration) *episodeCache {
	return &episodeCache{
		ttl:     ttl,
		entries: make(map[int]episodeCacheEntry),
	}
}

// get returns the cached lists, or nil when absent or stale.
func (c *episodeCache) get(malID int) map[string][]providers.Episode {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[malID]
	if !ok || !time.Now().Before(entry.expiresAt) {
		delete(c.entries, malID)
		return nil
	}
	return entry.lists
}

func (c *episodeCache) set(malID int, lists map[string][]providers.Episode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[malID] = episodeCacheEntry{
		lists:     lists,
		expiresAt: time.Now().Add(c.ttl),
	}
}
