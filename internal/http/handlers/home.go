package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danantara/anivault/internal/providers"
)

// handleHome serves the merged front pages of every provider. Duration is
// reported both in the body and in X-Response-Time since the aggregate
// scrape dominates response time.
func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	entries, err := providers.AggregateHome(r.Context(), h.registry, h.logger)
	if err != nil {
		h.logger.Error("home aggregation failed", slog.String("error", err.Error()))
		h.writeError(w, http.StatusBadGateway, "Bad Gateway", "all providers failed")
		return
	}

	elapsed := time.Since(start).Seconds()
	w.Header().Set("X-Response-Time", fmt.Sprintf("%.3f", elapsed))
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(entries),
		"duration": elapsed,
		"data":     entries,
	})
}
