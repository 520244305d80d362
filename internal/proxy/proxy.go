// Package proxy implements the range-forwarding stream proxy. It fronts
// both ephemeral host CDN URLs and durable archive URLs so players see a
// single stable origin, and rewrites HLS playlists so nested segment
// requests loop back through the proxy.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/danantara/anivault/internal/config"
	"github.com/danantara/anivault/internal/httpclient"
)

const (
	contentTypeMP4 = "video/mp4"
	contentTypeHLS = "application/vnd.apple.mpegurl"

	// maxPlaylistBytes bounds how much of a playlist is read for rewriting.
	maxPlaylistBytes = 4 << 20
)

// Server is the stream proxy HTTP server.
type Server struct {
	cfg config.ProxyConfig
	// storeHost is the durable store's hostname; requests for it take the
	// two-hop redirect resolution path.
	storeHost string
	client    *http.Client
	logger    *slog.Logger
}

// NewServer creates the proxy. storageEndpoint is the durable store's base
// URL; URLs on its host get redirect pre-resolution before streaming.
func NewServer(cfg config.ProxyConfig, storageEndpoint string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	storeHost := ""
	if u, err := url.Parse(storageEndpoint); err == nil {
		storeHost = u.Hostname()
	}
	return &Server{
		cfg:       cfg,
		storeHost: storeHost,
		client: &http.Client{
			Timeout: cfg.UpstreamTimeout,
		},
		logger: logger.With(slog.String("component", "proxy")),
	}
}

// Router builds the proxy route tree for standalone serving.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	s.Register(r)
	return r
}

// Register mounts the proxy endpoint on an existing router.
func (s *Server) Register(r chi.Router) {
	r.Get("/proxy", s.handleProxy)
	r.Head("/proxy", s.handleProxy)
	r.Options("/proxy", s.handlePreflight)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())
	w.WriteHeader(http.StatusNoContent)
}

// handleProxy streams the target URL to the client, forwarding only the
// Range header upstream and normalising response headers for players.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())

	target, err := parseTarget(r.URL.Query().Get("url"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	if strings.HasSuffix(target.Path, ".m3u8") {
		s.servePlaylist(w, r, target)
		return
	}

	targetURL := target.String()
	if s.storeHost != "" && target.Hostname() == s.storeHost {
		targetURL = s.resolveRedirects(r.Context(), targetURL)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, targetURL, nil)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Bad Request", "unusable target URL")
		return
	}
	req.Header.Set("User-Agent", httpclient.BrowserUserAgent)
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("upstream fetch failed",
			slog.String("host", target.Hostname()),
			slog.String("error", err.Error()))
		s.writeError(w, http.StatusBadGateway, "Bad Gateway", "upstream connection failed")
		return
	}
	defer resp.Body.Close()

	copyStreamHeaders(w.Header(), resp, targetURL)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Players abort ranges constantly; not worth more than debug.
		s.logger.Debug("stream copy interrupted", slog.String("error", err.Error()))
	}
}

// servePlaylist fetches an HLS playlist and rewrites its URIs so segment
// and sub-playlist requests come back through the proxy.
func (s *Server) servePlaylist(w http.ResponseWriter, r *http.Request, target *url.URL) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Bad Request", "unusable target URL")
		return
	}
	req.Header.Set("User-Agent", httpclient.BrowserUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "Bad Gateway", "upstream connection failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		w.WriteHeader(resp.StatusCode)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "Bad Gateway", "reading playlist failed")
		return
	}

	rewritten := RewritePlaylist(string(body), target, s.cfg.BaseURL)
	w.Header().Set("Content-Type", contentTypeHLS)
	w.Header().Set("Content-Disposition", "inline")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		io.WriteString(w, rewritten)
	}
}

// RewritePlaylist rewrites every URI line of an HLS playlist to loop
// through the proxy. Comment and blank lines pass through verbatim;
// relative URIs are absolutised against the playlist URL first.
func RewritePlaylist(body string, playlistURL *url.URL, proxyBase string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		abs := trimmed
		if ref, err := url.Parse(trimmed); err == nil {
			abs = playlistURL.ResolveReference(ref).String()
		}
		lines[i] = proxyBase + "/proxy?url=" + url.QueryEscape(abs)
	}
	return strings.Join(lines, "\n")
}

// resolveRedirects follows the durable store's redirect chain with a HEAD
// and returns the final CDN URL, so the ranged GET goes straight to the
// CDN. An extra redirect hop in the middle of range responses breaks
// seeking on some players. Falls back to the original URL on any failure.
func (s *Server) resolveRedirects(ctx context.Context, target string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return target
	}
	req.Header.Set("User-Agent", httpclient.BrowserUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return target
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return target
}

func parseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("url parameter is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("url must be an absolute http(s) URL")
	}
	return u, nil
}

// copyStreamHeaders normalises upstream headers for video playback:
// range metadata passes through, the media type is forced to MP4 unless
// the response is HLS, and downloads are never forced.
func copyStreamHeaders(dst http.Header, resp *http.Response, targetURL string) {
	for _, name := range []string{"Content-Length", "Content-Range"} {
		if v := resp.Header.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
	dst.Set("Accept-Ranges", "bytes")
	dst.Set("Content-Disposition", "inline")

	if isHLSResponse(resp.Header.Get("Content-Type"), targetURL) {
		dst.Set("Content-Type", contentTypeHLS)
	} else {
		dst.Set("Content-Type", contentTypeMP4)
	}
}

func isHLSResponse(contentType, targetURL string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") {
		return true
	}
	if u, err := url.Parse(targetURL); err == nil {
		return strings.HasSuffix(u.Path, ".m3u8")
	}
	return false
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET,HEAD,OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")
}

func (s *Server) writeError(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   kind,
		"message": message,
	})
}

// ListenAndServe runs the proxy on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("proxy listening", slog.String("addr", addr))
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
