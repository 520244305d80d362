// Package handlers implements the public JSON API: home aggregation,
// genre search, anime detail resolution, and streaming enrichment.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/danantara/anivault/internal/mal"
	"github.com/danantara/anivault/internal/mapping"
	"github.com/danantara/anivault/internal/models"
	"github.com/danantara/anivault/internal/providers"
	"github.com/danantara/anivault/internal/streaming"
)

// mappingResolver resolves anime identities.
type mappingResolver interface {
	ResolveBySlug(ctx context.Context, provider models.Provider, slug string) (*mapping.Result, error)
	ResolveByMALID(ctx context.Context, malID int) (*mapping.Result, error)
}

// streamEnricher serves enriched per-episode streams.
type streamEnricher interface {
	GetStreaming(ctx context.Context, m *models.Mapping, episode int) (map[string][]streaming.Server, error)
	Invalidate(malID, episode int)
}

// genreSearcher pages through a MAL genre listing.
type genreSearcher interface {
	SearchByGenre(ctx context.Context, genreID, page int) *mal.GenrePage
}

// Handler holds the API handler dependencies.
type Handler struct {
	registry *providers.Registry
	mapper   mappingResolver
	enricher streamEnricher
	mal      genreSearcher
	episodes *episodeCache
	salt     string
	version  string
	logger   *slog.Logger
}

// New creates the API handler set. episodeTTL bounds how long episode
// lists gathered on a cold resolution keep serving warm detail
// requests.
func New(
	registry *providers.Registry,
	mapper mappingResolver,
	enricher streamEnricher,
	malClient genreSearcher,
	episodeTTL time.Duration,
	salt, version string,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		mapper:   mapper,
		enricher: enricher,
		mal:      malClient,
		episodes: newEpisodeCache(episodeTTL),
		salt:     salt,
		version:  version,
		logger:   logger.With(slog.String("component", "api")),
	}
}

// Register mounts the API routes on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/home", h.handleHome)
		r.Get("/search", h.handleSearch)
		r.Get("/anime/mal/{malId}", h.handleAnimeByMALID)
		r.Get("/anime/{slug}", h.handleAnimeBySlug)
		r.Get("/streaming/{malId}/{episode}", h.handleStreaming)
		r.Post("/streaming/invalidate", h.handleInvalidate)
	})

	r.NotFound(h.handleNotFound)
}
