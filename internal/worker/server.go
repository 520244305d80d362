package worker

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danantara/anivault/internal/config"
	"github.com/danantara/anivault/internal/models"
	"github.com/danantara/anivault/internal/repository"
	"github.com/danantara/anivault/internal/streaming"
)

// Server exposes the worker's control surface: the enqueue webhook plus
// health and status probes.
type Server struct {
	cfg    config.WorkerConfig
	salt   string
	queue  repository.VideoQueueRepository
	store  repository.VideoStoreRepository
	worker *Worker
	logger *slog.Logger

	startedAt time.Time
}

// NewServer creates the worker HTTP server.
func NewServer(
	cfg config.WorkerConfig,
	archive config.ArchiveConfig,
	queue repository.VideoQueueRepository,
	store repository.VideoStoreRepository,
	worker *Worker,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		salt:      archive.Salt,
		queue:     queue,
		store:     store,
		worker:    worker,
		logger:    logger.With(slog.String("component", "worker-http")),
		startedAt: time.Now(),
	}
}

// Router builds the worker's route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/archive/{malId}/{episode}", s.handleArchive)
	r.Handle("/metrics", promhttp.Handler())
	r.With(s.requireSecret).Post("/trigger", s.handleTrigger)
	return r
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("worker listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// requireSecret authenticates webhook calls with the shared archive salt.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.salt == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.salt)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleTrigger enqueues an archival job pushed by the API and kicks the
// poll loop so it runs without waiting for the next tick.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var payload streaming.TriggerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if payload.MALID <= 0 || payload.Episode <= 0 || payload.Provider == "" || payload.VideoURL == "" {
		s.writeError(w, http.StatusBadRequest, "Bad Request", "mal_id, episode, provider and video_url are required")
		return
	}

	entry := &models.VideoQueueEntry{
		MALID:    payload.MALID,
		Episode:  payload.Episode,
		Provider: payload.Provider,
		VideoURL: payload.VideoURL,
	}
	if payload.Resolution != nil {
		entry.Resolution = *payload.Resolution
	}

	_, actionable, err := s.queue.Enqueue(r.Context(), entry)
	if err != nil {
		s.logger.Error("enqueue failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "Internal Server Error", "enqueue failed")
		return
	}
	if actionable && s.worker != nil {
		s.worker.Kick()
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"queued":  actionable,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleStatus reports queue depth per state and the archive size.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.CountsByStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal Server Error", "reading queue counts failed")
		return
	}
	archived, err := s.store.Count(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal Server Error", "reading archive count failed")
		return
	}

	queue := map[string]int64{}
	for status, n := range counts {
		queue[string(status)] = n
	}

	hostname, _ := os.Hostname()
	data := map[string]any{
		"queue":    queue,
		"archived": archived,
		"hostname": hostname,
	}
	if s.worker != nil {
		if s.worker.uploads != nil {
			data["storage_accounts"] = s.worker.uploads.Accounts()
		}
		if free, err := s.worker.freeBytes(r.Context(), s.worker.tempRoot()); err == nil {
			data["disk_free_bytes"] = free
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    data,
	})
}

// handleArchive lists the stored files for one episode.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	malID, err := strconv.Atoi(chi.URLParam(r, "malId"))
	episode, epErr := strconv.Atoi(chi.URLParam(r, "episode"))
	if err != nil || epErr != nil || malID <= 0 || episode <= 0 {
		s.writeError(w, http.StatusBadRequest, "Bad Request", "malId and episode must be positive integers")
		return
	}

	entries, err := s.store.GetForEpisode(r.Context(), malID, episode)
	if err != nil {
		s.logger.Error("reading archive failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "Internal Server Error", "reading archive failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"mal_id":  malID,
		"episode": episode,
		"count":   len(entries),
		"data":    entries,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writing response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, kind, message string) {
	s.writeJSON(w, code, map[string]any{
		"success": false,
		"error":   kind,
		"message": message,
	})
}
