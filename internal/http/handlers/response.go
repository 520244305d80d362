package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("writing response failed", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, kind, message string) {
	body := map[string]any{
		"success": false,
		"error":   kind,
	}
	if message != "" {
		body["message"] = message
	}
	h.writeJSON(w, code, body)
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusNotFound, "Not Found",
		fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"name":    "anivault",
		"version": h.version,
		"endpoints": []string{
			"/api/v1/home",
			"/api/v1/search",
			"/api/v1/anime/{slug}",
			"/api/v1/anime/mal/{malId}",
			"/api/v1/streaming/{malId}/{episode}",
		},
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
