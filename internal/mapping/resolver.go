// Package mapping resolves provider slugs and MAL ids into persistent
// anime mappings. Discovery combines visual cover matching, MAL title
// search, and cross-provider probing, with request coalescing so a burst
// of identical lookups costs one scrape.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/danantara/anivault/internal/config"
	"github.com/danantara/anivault/internal/mal"
	"github.com/danantara/anivault/internal/models"
	"github.com/danantara/anivault/internal/phash"
	"github.com/danantara/anivault/internal/providers"
	"github.com/danantara/anivault/internal/repository"
	"github.com/danantara/anivault/internal/title"
)

// ErrNoMatch means discovery exhausted every strategy without a
// confident MAL match.
var ErrNoMatch = errors.New("no confident match found")

// malAPI is the slice of the MAL client discovery needs.
type malAPI interface {
	SearchByTitle(ctx context.Context, query string, year *int) *mal.Anime
	GetByID(ctx context.Context, id int) *mal.Anime
	GetFullByID(ctx context.Context, id int) *mal.Anime
	ValidateMetadata(a *mal.Anime, year, episodes *int) bool
}

// coverHasher computes perceptual hashes from cover URLs.
type coverHasher interface {
	FromURL(ctx context.Context, imageURL string) string
}

// Result is a resolved mapping plus the Jikan candidate it came from.
type Result struct {
	Mapping *models.Mapping
	Anime   *mal.Anime
	Cached  bool
}

// Resolver coalesces and serves mapping lookups.
type Resolver struct {
	group     singleflight.Group
	providers *providers.Registry
	mal       malAPI
	hasher    coverHasher
	mappings  repository.MappingRepository
	metadata  repository.MALMetadataRepository
	cfg       config.MatchingConfig
	logger    *slog.Logger
}

// NewResolver wires the discovery pipeline.
func NewResolver(
	registry *providers.Registry,
	malClient malAPI,
	hasher coverHasher,
	mappings repository.MappingRepository,
	metadata repository.MALMetadataRepository,
	cfg config.MatchingConfig,
	logger *slog.Logger,
) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		providers: registry,
		mal:       malClient,
		hasher:    hasher,
		mappings:  mappings,
		metadata:  metadata,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "mapping")),
	}
}

// ResolveBySlug resolves one provider slug to a mapping. Concurrent
// callers for the same provider:slug share a single in-flight lookup.
func (r *Resolver) ResolveBySlug(ctx context.Context, provider models.Provider, slug string) (*Result, error) {
	key := string(provider) + ":" + slug
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolveBySlug(ctx, provider, slug)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// ResolveByMALID resolves a MAL id to a mapping, discovering provider
// slugs when the store has none. Coalesced per id.
func (r *Resolver) ResolveByMALID(ctx context.Context, malID int) (*Result, error) {
	key := fmt.Sprintf("mal:%d", malID)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolveByMALID(ctx, malID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (r *Resolver) resolveBySlug(ctx context.Context, provider models.Provider, slug string) (*Result, error) {
	if cached, err := r.mappings.GetBySlug(ctx, provider, slug); err != nil {
		return nil, err
	} else if cached != nil {
		return &Result{Mapping: cached, Anime: r.cachedAnime(ctx, cached.MALID), Cached: true}, nil
	}

	source := r.providers.Get(provider)
	if source == nil {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	detail, err := source.Detail(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("scraping %s/%s: %w", provider, slug, err)
	}

	var sourceHash string
	if detail.CoverURL != "" && source.ValidCoverHost(detail.CoverURL) {
		sourceHash = r.hasher.FromURL(ctx, detail.CoverURL)
	}

	malID, jikan, err := r.identify(ctx, detail, sourceHash)
	if err != nil {
		return nil, err
	}

	mapping := &models.Mapping{
		MALID:         malID,
		TitleMain:     title.CleanTitle(detail.Title),
		ReleaseYear:   detail.Year,
		TotalEpisodes: detail.TotalEpisodes,
	}
	mapping.SetSlug(provider, slug)
	if sourceHash != "" {
		mapping.PhashV1 = &sourceHash
	}
	if jikan != nil {
		r.applyJikan(mapping, jikan)
	}

	// The source hash stays canonical; a target's hash only fills an
	// empty slot.
	if jikan != nil {
		for _, target := range r.providers.All() {
			if target.Name() == provider {
				continue
			}
			found := r.discoverOn(ctx, target, jikan, sourceHash)
			if found == nil {
				continue
			}
			mapping.SetSlug(target.Name(), found.Slug)
			if mapping.PhashV1 == nil && found.Phash != "" {
				hash := found.Phash
				mapping.PhashV1 = &hash
			}
		}
	}

	saved, err := r.persist(ctx, mapping, jikan)
	if err != nil {
		return nil, err
	}
	return &Result{Mapping: saved, Anime: jikan}, nil
}

func (r *Resolver) resolveByMALID(ctx context.Context, malID int) (*Result, error) {
	if cached, err := r.mappings.GetByMALID(ctx, malID); err != nil {
		return nil, err
	} else if cached != nil {
		return &Result{Mapping: cached, Anime: r.cachedAnime(ctx, malID), Cached: true}, nil
	}

	jikan := r.mal.GetFullByID(ctx, malID)
	if jikan == nil {
		return nil, fmt.Errorf("mal id %d: %w", malID, ErrNoMatch)
	}

	mapping := &models.Mapping{
		MALID:     malID,
		TitleMain: jikan.Title,
	}
	r.applyJikan(mapping, jikan)

	// The first discovered hash threads into later provider probes.
	var knownHash string
	for _, target := range r.providers.All() {
		found := r.discoverOn(ctx, target, jikan, knownHash)
		if found == nil {
			continue
		}
		mapping.SetSlug(target.Name(), found.Slug)
		if found.Phash != "" && knownHash == "" {
			knownHash = found.Phash
			mapping.PhashV1 = &found.Phash
		}
	}

	// A partial mapping still caches the Jikan metadata.
	saved, err := r.persist(ctx, mapping, jikan)
	if err != nil {
		return nil, err
	}
	return &Result{Mapping: saved, Anime: jikan}, nil
}

// cachedAnime serves the stored catalogue record for a warm mapping.
// The cached path never calls Jikan; a missing record yields a nil
// Anime rather than an upstream fetch.
func (r *Resolver) cachedAnime(ctx context.Context, malID int) *mal.Anime {
	meta, err := r.metadata.GetByMALID(ctx, malID)
	if err != nil {
		r.logger.Warn("metadata read failed",
			slog.Int("mal_id", malID),
			slog.String("error", err.Error()))
		return nil
	}
	if meta == nil {
		return nil
	}
	return mal.FromMetadata(meta)
}

// identify finds the MAL id for a scraped detail: visual match against
// stored hashes first, then MAL title search behind the acceptance
// policy.
func (r *Resolver) identify(ctx context.Context, detail *providers.Detail, sourceHash string) (int, *mal.Anime, error) {
	if sourceHash != "" {
		near, err := r.mappings.FindNearestPhash(ctx, sourceHash, r.cfg.PhashThreshold)
		if err != nil {
			// A store-layer failure degrades to "no visual match"; title
			// search below still gets its chance.
			r.logger.Warn("phash lookup failed",
				slog.String("error", err.Error()))
			near = nil
		}
		if near != nil && near.Mapping.PhashV1 != nil {
			if d := phash.Distance(sourceHash, *near.Mapping.PhashV1); d >= 0 && d < r.cfg.PhashThreshold {
				r.logger.Info("visual match",
					slog.Int("mal_id", near.Mapping.MALID),
					slog.Int("distance", d))
				return near.Mapping.MALID, r.mal.GetByID(ctx, near.Mapping.MALID), nil
			}
		}
	}

	candidate := r.mal.SearchByTitle(ctx, title.CleanTitle(detail.Title), detail.Year)
	if candidate == nil {
		return 0, nil, fmt.Errorf("%s/%s: %w", detail.Provider, detail.Slug, ErrNoMatch)
	}

	// Known scraped year requires the metadata gate on top of the title
	// gate, otherwise adjacent seasons swap. Unknown year trusts the
	// title gate alone.
	if detail.Year != nil && !r.mal.ValidateMetadata(candidate, detail.Year, detail.TotalEpisodes) {
		return 0, nil, fmt.Errorf("%s/%s: metadata mismatch: %w", detail.Provider, detail.Slug, ErrNoMatch)
	}
	return candidate.MALID, candidate, nil
}

// applyJikan fills mapping fields from the MAL candidate, preferring it
// over scraped values.
func (r *Resolver) applyJikan(mapping *models.Mapping, jikan *mal.Anime) {
	if jikan.Title != "" {
		mapping.TitleMain = jikan.Title
	}
	if y := jikan.EffectiveYear(); y != nil {
		mapping.ReleaseYear = y
	}
	if jikan.Episodes != nil {
		mapping.TotalEpisodes = jikan.Episodes
	}
}

func (r *Resolver) persist(ctx context.Context, mapping *models.Mapping, jikan *mal.Anime) (*models.Mapping, error) {
	saved, err := r.mappings.Upsert(ctx, mapping)
	if err != nil {
		return nil, fmt.Errorf("upserting mapping for mal %d: %w", mapping.MALID, err)
	}
	if jikan != nil {
		if err := r.metadata.Upsert(ctx, jikan.ToMetadata()); err != nil {
			r.logger.Warn("metadata upsert failed",
				slog.Int("mal_id", jikan.MALID),
				slog.String("error", err.Error()))
		}
	}
	return saved, nil
}
