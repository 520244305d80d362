package streaming

import (
	"fmt"
	"sync"
	"time"

	"github.com/danantara/anivault/internal/models"
)

// scrapedServer is one mirror as scraped and resolved, before store
// enrichment.
type scrapedServer struct {
	Label      string
	EmbedURL   string
	Resolution string
	Resolved   string
	HLS        bool
}

// scrapeCache holds per-episode scrape results so repeat requests within
// the TTL skip the provider round-trips. Store checks always run fresh.
type scrapeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	servers   map[models.Provider][]scrapedServer
	expiresAt time.Time
}

func newScrapeCache(ttl time.Duration) *scrapeCache {
	return &scrapeCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(malID, episode int) string {
	return fmt.Sprintf("%d:%d", malID, episode)
}

// get returns the cached scrape and whether it is still fresh. An entry
// is fresh strictly before its expiry instant.
func (c *scrapeCache) get(malID, episode int) (map[models.Provider][]scrapedServer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(malID, episode)]
	if !ok || !time.Now().Before(entry.expiresAt) {
		delete(c.entries, cacheKey(malID, episode))
		return nil, false
	}
	return entry.servers, true
}

func (c *scrapeCache) set(malID, episode int, servers map[models.Provider][]scrapedServer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(malID, episode)] = cacheEntry{
		servers:   servers,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *scrapeCache) invalidate(malID, episode int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(malID, episode))
}
