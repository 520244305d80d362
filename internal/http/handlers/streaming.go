package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/danantara/anivault/internal/mapping"
)

// handleStreaming serves the enriched streaming servers for one episode,
// grouped per provider.
func (h *Handler) handleStreaming(w http.ResponseWriter, r *http.Request) {
	malID, err := strconv.Atoi(chi.URLParam(r, "malId"))
	if err != nil || malID <= 0 {
		h.writeError(w, http.StatusBadRequest, "Bad Request", "malId must be a positive integer")
		return
	}
	episode, err := strconv.Atoi(chi.URLParam(r, "episode"))
	if err != nil || episode <= 0 {
		h.writeError(w, http.StatusBadRequest, "Bad Request", "episode must be a positive integer")
		return
	}

	result, err := h.mapper.ResolveByMALID(r.Context(), malID)
	if err != nil {
		if errors.Is(err, mapping.ErrNoMatch) {
			h.writeError(w, http.StatusNotFound, "Not Found", "no matching anime found")
			return
		}
		h.logger.Error("resolve failed", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "Internal Server Error", "resolution failed")
		return
	}

	servers, err := h.enricher.GetStreaming(r.Context(), result.Mapping, episode)
	if err != nil {
		h.logger.Error("enrichment failed", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "Internal Server Error", "enrichment failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"mal_id":  malID,
		"episode": episode,
		"data":    servers,
	})
}

// handleInvalidate clears the scrape cache for one episode. Called by the
// archival worker after a commit so the durable URL shows up immediately.
func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MALID   int    `json:"mal_id"`
		Episode int    `json:"episode"`
		Secret  string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if h.salt == "" || subtle.ConstantTimeCompare([]byte(body.Secret), []byte(h.salt)) != 1 {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid secret")
		return
	}
	if body.MALID <= 0 || body.Episode <= 0 {
		h.writeError(w, http.StatusBadRequest, "Bad Request", "mal_id and episode are required")
		return
	}

	h.enricher.Invalidate(body.MALID, body.Episode)
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
