// Package providers implements the HTML scrapers for the supported anime
// providers: card lists (home, search), detail pages, episode lists, and
// per-episode streaming servers.
package providers

import (
	"context"
	"regexp"
	"strconv"

	"github.com/danantara/anivault/internal/models"
)

// Card is one entry in a provider's card list (home or search results).
type Card struct {
	Title    string
	Slug     string
	CoverURL string
}

// Detail is a scraped provider detail page.
type Detail struct {
	Provider      models.Provider
	Slug          string
	Title         string
	CoverURL      string
	Year          *int
	TotalEpisodes *int
}

// Episode is one entry in a provider's episode list.
type Episode struct {
	Number int    `json:"episode"`
	URL    string `json:"url"`
}

// StreamServer is one playable mirror on an episode page.
type StreamServer struct {
	Label      string
	EmbedURL   string
	Resolution string // normalised quality tag like "720p", "" when unknown
}

// Provider scrapes one anime site.
type Provider interface {
	// Name returns the provider identifier.
	Name() models.Provider
	// Home lists the cards on the provider's front page.
	Home(ctx context.Context) ([]Card, error)
	// Search lists the cards for a search query.
	Search(ctx context.Context, query string) ([]Card, error)
	// Detail scrapes one detail page.
	Detail(ctx context.Context, slug string) (*Detail, error)
	// Episodes lists the episodes on a detail page.
	Episodes(ctx context.Context, slug string) ([]Episode, error)
	// StreamServers lists the mirrors on one episode page.
	StreamServers(ctx context.Context, slug string, episode int) ([]StreamServer, error)
	// EpisodeURL builds the stable episode page URL for a slug.
	EpisodeURL(slug string, episode int) string
	// ValidCoverHost reports whether a cover URL lives on the provider's
	// domain family; covers hosted elsewhere are ads or placeholders.
	ValidCoverHost(coverURL string) bool
	// TrustsSearchTitles reports whether card-title pre-filtering can be
	// skipped for a result set of the given size.
	TrustsSearchTitles(resultCount int) bool
}

// Registry holds the configured providers in scrape order.
type Registry struct {
	providers []Provider
}

// NewRegistry creates a registry preserving the given order.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Get returns the provider with the given name, or nil.
func (r *Registry) Get(name models.Provider) Provider {
	for _, p := range r.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// All returns every provider in scrape order.
func (r *Registry) All() []Provider {
	return r.providers
}

var resolutionRe = regexp.MustCompile(`(?i)\b(\d{3,4})p\b`)

// ParseResolution extracts a normalised quality tag like "720p" from a
// server label, or "" when the label carries none.
func ParseResolution(label string) string {
	m := resolutionRe.FindStringSubmatch(label)
	if m == nil {
		return ""
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 144 || n > 4320 {
		return ""
	}
	return strconv.Itoa(n) + "p"
}
