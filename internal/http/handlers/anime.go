package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/danantara/anivault/internal/mapping"
	"github.com/danantara/anivault/internal/models"
	"github.com/danantara/anivault/internal/providers"
)

// handleAnimeBySlug resolves a provider slug to its full identity. The
// provider query parameter names the provider the slug belongs to.
func (h *Handler) handleAnimeBySlug(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	provider := models.Provider(r.URL.Query().Get("provider"))
	if provider == "" {
		h.writeError(w, http.StatusBadRequest, "Bad Request", "provider query parameter is required")
		return
	}
	if !models.ValidProvider(provider) {
		h.writeError(w, http.StatusBadRequest, "Bad Request", "unknown provider: "+string(provider))
		return
	}

	result, err := h.mapper.ResolveBySlug(r.Context(), provider, slug)
	h.writeAnime(w, r, result, err)
}

// handleAnimeByMALID resolves a MAL id, discovering provider slugs when
// the mapping is cold.
func (h *Handler) handleAnimeByMALID(w http.ResponseWriter, r *http.Request) {
	malID, err := strconv.Atoi(chi.URLParam(r, "malId"))
	if err != nil || malID <= 0 {
		h.writeError(w, http.StatusBadRequest, "Bad Request", "malId must be a positive integer")
		return
	}

	result, err := h.mapper.ResolveByMALID(r.Context(), malID)
	h.writeAnime(w, r, result, err)
}

func (h *Handler) writeAnime(w http.ResponseWriter, r *http.Request, result *mapping.Result, err error) {
	if err != nil {
		if errors.Is(err, mapping.ErrNoMatch) {
			h.writeError(w, http.StatusNotFound, "Not Found", "no matching anime found")
			return
		}
		h.logger.Error("resolve failed", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "Internal Server Error", "resolution failed")
		return
	}

	// A warm mapping serves entirely from local state. Episode lists come
	// from the cache populated by the cold pass, or stay null until the
	// next cold resolution.
	var lists map[string][]providers.Episode
	if result.Cached {
		lists = h.episodes.get(result.Mapping.MALID)
		if lists == nil {
			lists = h.nullLists()
		}
	} else {
		lists = h.episodeLists(r, result.Mapping)
		h.episodes.set(result.Mapping.MALID, lists)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cached":  result.Cached,
		"data": map[string]any{
			"mapping":  result.Mapping,
			"mal":      result.Anime,
			"episodes": lists,
		},
	})
}

// nullLists keys every configured provider to an explicit null.
func (h *Handler) nullLists() map[string][]providers.Episode {
	lists := make(map[string][]providers.Episode, len(h.registry.All()))
	for _, p := range h.registry.All() {
		lists[string(p.Name())] = nil
	}
	return lists
}

// episodeLists scrapes the episode list of every mapped provider in
// parallel. Providers without a slug, and failed scrapes, yield null so
// clients can tell "unmapped" from "empty".
func (h *Handler) episodeLists(r *http.Request, m *models.Mapping) map[string][]providers.Episode {
	lists := make(map[string][]providers.Episode, len(h.registry.All()))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range h.registry.All() {
		name := string(p.Name())
		lists[name] = nil

		slug := m.SlugFor(p.Name())
		if slug == nil {
			continue
		}

		wg.Add(1)
		go func(p providers.Provider, slug string) {
			defer wg.Done()
			episodes, err := p.Episodes(r.Context(), slug)
			if err != nil {
				h.logger.Warn("episode scrape failed",
					slog.String("provider", name),
					slog.String("slug", slug),
					slog.String("error", err.Error()))
				return
			}
			mu.Lock()
			lists[name] = episodes
			mu.Unlock()
		}(p, *slug)
	}
	wg.Wait()

	return lists
}
