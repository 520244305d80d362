package handlers

import (
	"net/http"
	"strconv"

	"github.com/danantara/anivault/internal/mal"
)

type searchItem struct {
	MALID int    `json:"mal_id"`
	Name  string `json:"name"`
	Cover string `json:"cover"`
}

// handleSearch lists anime for one genre, ten per page. The genre
// parameter accepts a name or a numeric MAL genre id.
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	genre := r.URL.Query().Get("genre")
	if genre == "" {
		h.writeError(w, http.StatusBadRequest, "Bad Request", "genre parameter is required")
		return
	}
	genreID, ok := mal.ResolveGenre(genre)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "Bad Request", "unknown genre: "+genre)
		return
	}

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "Bad Request", "page must be a positive integer")
			return
		}
		page = n
	}

	result := h.mal.SearchByGenre(r.Context(), genreID, page)
	if result == nil {
		h.writeError(w, http.StatusBadGateway, "Bad Gateway", "genre search upstream failed")
		return
	}

	items := make([]searchItem, 0, len(result.Results))
	for _, a := range result.Results {
		items = append(items, searchItem{
			MALID: a.MALID,
			Name:  a.Title,
			Cover: a.ImageURL(),
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"genre_id":      result.GenreID,
		"page":          result.Page,
		"has_next_page": result.HasNextPage,
		"count":         len(items),
		"data":          items,
	})
}
