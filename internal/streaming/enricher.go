// Package streaming builds the per-episode streaming server lists:
// provider scrapes behind a short-lived cache, embed resolution, durable
// store rewriting, and archival enqueueing with worker webhooks.
package streaming

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danantara/anivault/internal/models"
	"github.com/danantara/anivault/internal/providers"
	"github.com/danantara/anivault/internal/repository"
	"github.com/danantara/anivault/internal/resolver"
)

// Server is one playable mirror in an API response.
type Server struct {
	Provider    string  `json:"provider"`
	URL         string  `json:"url"`
	URLResolved *string `json:"url_resolved"`
	Resolution  *string `json:"resolution"`
	Stream      *string `json:"stream"`
}

// embedResolver is the slice of the resolver the enricher needs.
type embedResolver interface {
	Resolve(ctx context.Context, embedURL string) resolver.Stream
}

// Enricher produces enriched streaming responses.
type Enricher struct {
	providers *providers.Registry
	resolver  embedResolver
	queue     repository.VideoQueueRepository
	store     repository.VideoStoreRepository
	notifier  workerNotifier
	cache     *scrapeCache
	proxyBase string
	logger    *slog.Logger
}

// NewEnricher wires the streaming pipeline.
func NewEnricher(
	registry *providers.Registry,
	embeds embedResolver,
	queue repository.VideoQueueRepository,
	store repository.VideoStoreRepository,
	notifier workerNotifier,
	cacheTTL time.Duration,
	proxyBase string,
	logger *slog.Logger,
) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		providers: registry,
		resolver:  embeds,
		queue:     queue,
		store:     store,
		notifier:  notifier,
		cache:     newScrapeCache(cacheTTL),
		proxyBase: proxyBase,
		logger:    logger.With(slog.String("component", "streaming")),
	}
}

// GetStreaming returns the per-provider server lists for one episode.
// Providers without a slug in the mapping map to nil. Scrapes are served
// from the cache inside the TTL; the store check and enqueue decisions
// run on every request.
func (e *Enricher) GetStreaming(ctx context.Context, mapping *models.Mapping, episode int) (map[string][]Server, error) {
	scraped, hit := e.cache.get(mapping.MALID, episode)
	if !hit {
		scraped = e.scrapeAll(ctx, mapping, episode)
		e.cache.set(mapping.MALID, episode, scraped)
	}

	out := make(map[string][]Server, len(scraped))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for provider, servers := range scraped {
		if servers == nil {
			mu.Lock()
			out[string(provider)] = nil
			mu.Unlock()
			continue
		}
		enriched := make([]Server, len(servers))
		for i, sv := range servers {
			g.Go(func() error {
				enriched[i] = e.enrich(gctx, mapping.MALID, episode, provider, sv)
				return nil
			})
		}
		mu.Lock()
		out[string(provider)] = enriched
		mu.Unlock()
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate drops the scrape cache for one episode so freshly archived
// URLs show up immediately.
func (e *Enricher) Invalidate(malID, episode int) {
	e.cache.invalidate(malID, episode)
}

// scrapeAll scrapes every mapped provider in parallel and resolves each
// embed. A provider failure yields nil for that provider only.
func (e *Enricher) scrapeAll(ctx context.Context, mapping *models.Mapping, episode int) map[models.Provider][]scrapedServer {
	result := make(map[models.Provider][]scrapedServer)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, p := range e.providers.All() {
		slug := mapping.SlugFor(p.Name())
		if slug == nil {
			mu.Lock()
			result[p.Name()] = nil
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			servers := e.scrapeProvider(gctx, p, *slug, episode)
			mu.Lock()
			result[p.Name()] = servers
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func (e *Enricher) scrapeProvider(ctx context.Context, p providers.Provider, slug string, episode int) []scrapedServer {
	raw, err := p.StreamServers(ctx, slug, episode)
	if err != nil {
		e.logger.Warn("stream scrape failed",
			slog.String("provider", string(p.Name())),
			slog.String("slug", slug),
			slog.Int("episode", episode),
			slog.String("error", err.Error()))
		return nil
	}

	servers := make([]scrapedServer, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	for i, sv := range raw {
		g.Go(func() error {
			stream := e.resolver.Resolve(gctx, sv.EmbedURL)
			servers[i] = scrapedServer{
				Label:      sv.Label,
				EmbedURL:   sv.EmbedURL,
				Resolution: sv.Resolution,
				Resolved:   stream.URL,
				HLS:        stream.HLS,
			}
			return nil
		})
	}
	_ = g.Wait()
	return servers
}

// enrich applies the store check and archival decision to one server.
func (e *Enricher) enrich(ctx context.Context, malID, episode int, provider models.Provider, sv scrapedServer) Server {
	out := Server{
		Provider:   sv.Label,
		URL:        sv.EmbedURL,
		Resolution: optional(sv.Resolution),
	}
	if sv.Resolved != "" {
		out.URLResolved = &sv.Resolved
	}

	stored, err := e.store.GetByIdentity(ctx, malID, episode, string(provider), sv.Resolution)
	if err != nil {
		e.logger.Warn("store lookup failed", slog.Int("mal_id", malID), slog.String("error", err.Error()))
	}
	if stored != nil {
		out.URLResolved = &stored.DirectURL
		out.Stream = e.proxyURL(stored.DirectURL)
		return out
	}

	if sv.Resolved != "" {
		out.Stream = e.proxyURL(sv.Resolved)
	}
	e.maybeEnqueue(ctx, malID, episode, provider, sv)
	return out
}

// maybeEnqueue queues the episode for archival unless a live queue entry
// already covers it, then pokes the worker.
func (e *Enricher) maybeEnqueue(ctx context.Context, malID, episode int, provider models.Provider, sv scrapedServer) {
	downloadURL := sv.Resolved
	if resolver.KeepEmbed(sv.EmbedURL) {
		// Key- and ASN-bound hosts are re-resolved where the download
		// runs, so the worker gets the embed URL.
		downloadURL = sv.EmbedURL
	}
	if downloadURL == "" {
		return
	}

	existing, err := e.queue.GetByIdentity(ctx, malID, episode, string(provider), sv.Resolution)
	if err != nil {
		e.logger.Warn("queue lookup failed", slog.Int("mal_id", malID), slog.String("error", err.Error()))
		return
	}
	if existing != nil && existing.Status != models.VideoStatusFailed {
		return
	}

	entry := &models.VideoQueueEntry{
		MALID:      malID,
		Episode:    episode,
		Provider:   string(provider),
		Resolution: sv.Resolution,
		VideoURL:   downloadURL,
	}
	if _, actionable, err := e.queue.Enqueue(ctx, entry); err != nil {
		e.logger.Warn("enqueue failed", slog.Int("mal_id", malID), slog.String("error", err.Error()))
	} else if actionable {
		e.notifier.Notify(TriggerPayload{
			MALID:      malID,
			Episode:    episode,
			Provider:   string(provider),
			VideoURL:   downloadURL,
			Resolution: optional(sv.Resolution),
		})
	}
}

func (e *Enricher) proxyURL(target string) *string {
	u := e.proxyBase + "/proxy?url=" + url.QueryEscape(target)
	return &u
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
