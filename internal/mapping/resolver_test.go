package mapping

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/danantara/anivault/internal/config"
	"github.com/danantara/anivault/internal/mal"
	"github.com/danantara/anivault/internal/models"
	"github.com/danantara/anivault/internal/providers"
	"github.com/danantara/anivault/internal/repository"
)

// fakeProvider is a scriptable providers.Provider.
type fakeProvider struct {
	name        models.Provider
	cards       map[string][]providers.Card
	details     map[string]*providers.Detail
	servers     map[string][]providers.StreamServer
	trusts      bool
	detailCalls atomic.Int32
	searchCalls atomic.Int32
	detailDelay time.Duration
}

func (f *fakeProvider) Name() models.Provider { return f.name }

func (f *fakeProvider) Home(ctx context.Context) ([]providers.Card, error) { return nil, nil }

func (f *fakeProvider) Search(ctx context.Context, query string) ([]providers.Card, error) {
	f.searchCalls.Add(1)
	return f.cards[query], nil
}

func (f *fakeProvider) Detail(ctx context.Context, slug string) (*providers.Detail, error) {
	f.detailCalls.Add(1)
	if f.detailDelay > 0 {
		time.Sleep(f.detailDelay)
	}
	d, ok := f.details[slug]
	if !ok {
		return nil, fmt.Errorf("no detail page for %q", slug)
	}
	return d, nil
}

func (f *fakeProvider) Episodes(ctx context.Context, slug string) ([]providers.Episode, error) {
	return nil, nil
}

func (f *fakeProvider) StreamServers(ctx context.Context, slug string, episode int) ([]providers.StreamServer, error) {
	return f.servers[fmt.Sprintf("%s:%d", slug, episode)], nil
}

func (f *fakeProvider) EpisodeURL(slug string, episode int) string {
	return fmt.Sprintf("https://%s.example/%s-episode-%d/", f.name, slug, episode)
}

func (f *fakeProvider) ValidCoverHost(coverURL string) bool {
	return coverURL != "" && !strings.Contains(coverURL, "badhost")
}

func (f *fakeProvider) TrustsSearchTitles(count int) bool {
	return f.trusts && count > 0 && count <= 3
}

// fakeMAL is a scriptable malAPI that counts upstream calls.
type fakeMAL struct {
	search map[string]*mal.Anime
	byID   map[int]*mal.Anime

	searchCalls atomic.Int32
	lookupCalls atomic.Int32
}

func (f *fakeMAL) SearchByTitle(ctx context.Context, query string, year *int) *mal.Anime {
	f.searchCalls.Add(1)
	return f.search[query]
}

func (f *fakeMAL) GetByID(ctx context.Context, id int) *mal.Anime {
	f.lookupCalls.Add(1)
	return f.byID[id]
}

func (f *fakeMAL) GetFullByID(ctx context.Context, id int) *mal.Anime {
	f.lookupCalls.Add(1)
	return f.byID[id]
}

func (f *fakeMAL) ValidateMetadata(a *mal.Anime, year, episodes *int) bool {
	return mal.ValidateMetadata(a, year, episodes, 2)
}

// fakeHasher maps cover URLs to fixed hashes.
type fakeHasher struct {
	hashes map[string]string
}

func (f *fakeHasher) FromURL(ctx context.Context, imageURL string) string {
	return f.hashes[imageURL]
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Mapping{}, &models.MALMetadata{}))
	return db
}

func testMatchingConfig() config.MatchingConfig {
	return config.MatchingConfig{
		PhashThreshold:   5,
		TitleSimilarity:  0.85,
		EpisodeTolerance: 2,
	}
}

const (
	hashA = "00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff"
	// hashB differs from hashA in two bits.
	hashB = "0cff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff"
)

func jikokurakuS2() *mal.Anime {
	year := 2026
	eps := 13
	return &mal.Anime{MALID: 55825, Title: "Jigokuraku 2nd Season", Year: &year, Episodes: &eps}
}

func newTestResolver(t *testing.T, animasu, samehadaku *fakeProvider, malc *fakeMAL, hashes map[string]string) (*Resolver, repository.MappingRepository) {
	t.Helper()
	db := testDB(t)
	mappings := repository.NewMappingRepository(db)
	metadata := repository.NewMALMetadataRepository(db)
	r := NewResolver(
		providers.NewRegistry(animasu, samehadaku),
		malc,
		&fakeHasher{hashes: hashes},
		mappings,
		metadata,
		testMatchingConfig(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return r, mappings
}

func TestResolveBySlug_CacheHit(t *testing.T) {
	animasu := &fakeProvider{name: models.ProviderAnimasu}
	samehadaku := &fakeProvider{name: models.ProviderSamehadaku, trusts: true}
	malc := &fakeMAL{byID: map[int]*mal.Anime{55825: jikokurakuS2()}}
	r, mappings := newTestResolver(t, animasu, samehadaku, malc, nil)

	seed := &models.Mapping{MALID: 55825, TitleMain: "Jigokuraku 2nd Season"}
	seed.SetSlug(models.ProviderAnimasu, "jigokuraku-s2")
	_, err := mappings.Upsert(context.Background(), seed)
	require.NoError(t, err)
	require.NoError(t, r.metadata.Upsert(context.Background(), jikokurakuS2().ToMetadata()))

	res, err := r.ResolveBySlug(context.Background(), models.ProviderAnimasu, "jigokuraku-s2")
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 55825, res.Mapping.MALID)
	// The stored record serves the catalogue fields.
	require.NotNil(t, res.Anime)
	assert.Equal(t, "Jigokuraku 2nd Season", res.Anime.Title)
	// A cache hit never touches the provider or Jikan.
	assert.Zero(t, animasu.detailCalls.Load())
	assert.Zero(t, animasu.searchCalls.Load())
	assert.Zero(t, malc.searchCalls.Load())
	assert.Zero(t, malc.lookupCalls.Load())
}

func TestResolveBySlug_ColdDiscovery(t *testing.T) {
	year := 2026
	eps := 13
	animasu := &fakeProvider{
		name: models.ProviderAnimasu,
		details: map[string]*providers.Detail{
			"jigokuraku-s2": {
				Provider:      models.ProviderAnimasu,
				Slug:          "jigokuraku-s2",
				Title:         "Jigokuraku S2",
				CoverURL:      "https://animasu.example/covers/jigokuraku.jpg",
				Year:          &year,
				TotalEpisodes: &eps,
			},
		},
	}
	samehadaku := &fakeProvider{
		name:   models.ProviderSamehadaku,
		trusts: true,
		cards: map[string][]providers.Card{
			"Jigokuraku 2nd Season": {{
				Title:    "Jigokuraku Season 2",
				Slug:     "jigokuraku-season-2",
				CoverURL: "https://samehadaku.example/covers/jigokuraku.jpg",
			}},
		},
	}
	malc := &fakeMAL{
		search: map[string]*mal.Anime{"Jigokuraku S2": jikokurakuS2()},
		byID:   map[int]*mal.Anime{55825: jikokurakuS2()},
	}
	hashes := map[string]string{
		"https://animasu.example/covers/jigokuraku.jpg":    hashA,
		"https://samehadaku.example/covers/jigokuraku.jpg": hashB,
	}

	r, mappings := newTestResolver(t, animasu, samehadaku, malc, hashes)

	res, err := r.ResolveBySlug(context.Background(), models.ProviderAnimasu, "jigokuraku-s2")
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 55825, res.Mapping.MALID)

	stored, err := mappings.GetByMALID(context.Background(), 55825)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.SlugAnimasu)
	assert.Equal(t, "jigokuraku-s2", *stored.SlugAnimasu)
	require.NotNil(t, stored.SlugSamehadaku)
	assert.Equal(t, "jigokuraku-season-2", *stored.SlugSamehadaku)
	// The source cover's hash stays canonical over the target's.
	require.NotNil(t, stored.PhashV1)
	assert.Equal(t, hashA, *stored.PhashV1)
	// Jikan values win over the scraped ones.
	assert.Equal(t, "Jigokuraku 2nd Season", stored.TitleMain)
}

func TestResolveBySlug_VisualMatchSkipsSearch(t *testing.T) {
	year := 2026
	animasu := &fakeProvider{
		name: models.ProviderAnimasu,
		details: map[string]*providers.Detail{
			"jigokuraku-s2": {
				Provider: models.ProviderAnimasu,
				Slug:     "jigokuraku-s2",
				Title:    "Jigokuraku S2",
				CoverURL: "https://animasu.example/covers/jigokuraku.jpg",
				Year:     &year,
			},
		},
	}
	samehadaku := &fakeProvider{name: models.ProviderSamehadaku, trusts: true}
	malc := &fakeMAL{byID: map[int]*mal.Anime{55825: jikokurakuS2()}}
	hashes := map[string]string{"https://animasu.example/covers/jigokuraku.jpg": hashB}

	r, mappings := newTestResolver(t, animasu, samehadaku, malc, hashes)

	// A prior mapping with a near-identical hash already points at the
	// MAL id; discovery confirms visually without a title search.
	seed := &models.Mapping{MALID: 55825, TitleMain: "Jigokuraku 2nd Season", PhashV1: models.StrPtr(hashA)}
	seed.SetSlug(models.ProviderSamehadaku, "jigokuraku-season-2")
	_, err := mappings.Upsert(context.Background(), seed)
	require.NoError(t, err)

	res, err := r.ResolveBySlug(context.Background(), models.ProviderAnimasu, "jigokuraku-s2")
	require.NoError(t, err)
	assert.Equal(t, 55825, res.Mapping.MALID)

	stored, err := mappings.GetByMALID(context.Background(), 55825)
	require.NoError(t, err)
	require.NotNil(t, stored.SlugAnimasu)
	assert.Equal(t, "jigokuraku-s2", *stored.SlugAnimasu)
	require.NotNil(t, stored.SlugSamehadaku)
	assert.Equal(t, "jigokuraku-season-2", *stored.SlugSamehadaku)
}

// failingPhashRepo breaks the hash index while keeping the rest of the
// store working.
type failingPhashRepo struct {
	repository.MappingRepository
}

func (f *failingPhashRepo) FindNearestPhash(ctx context.Context, hash string, maxDistance int) (*repository.NearestPhashResult, error) {
	return nil, fmt.Errorf("hash index unavailable")
}

func TestResolveBySlug_PhashLookupFailureFallsBackToSearch(t *testing.T) {
	year := 2026
	eps := 13
	animasu := &fakeProvider{
		name: models.ProviderAnimasu,
		details: map[string]*providers.Detail{
			"jigokuraku-s2": {
				Provider:      models.ProviderAnimasu,
				Slug:          "jigokuraku-s2",
				Title:         "Jigokuraku S2",
				CoverURL:      "https://animasu.example/covers/jigokuraku.jpg",
				Year:          &year,
				TotalEpisodes: &eps,
			},
		},
	}
	samehadaku := &fakeProvider{name: models.ProviderSamehadaku, trusts: true}
	malc := &fakeMAL{
		search: map[string]*mal.Anime{"Jigokuraku S2": jikokurakuS2()},
		byID:   map[int]*mal.Anime{55825: jikokurakuS2()},
	}

	r, _ := newTestResolver(t, animasu, samehadaku, malc,
		map[string]string{"https://animasu.example/covers/jigokuraku.jpg": hashA})
	r.mappings = &failingPhashRepo{r.mappings}

	// A broken hash index degrades to no visual match; title search still
	// identifies the show.
	res, err := r.ResolveBySlug(context.Background(), models.ProviderAnimasu, "jigokuraku-s2")
	require.NoError(t, err)
	assert.Equal(t, 55825, res.Mapping.MALID)
	assert.Equal(t, int32(1), malc.searchCalls.Load())
}

func TestResolveBySlug_CoalescesConcurrentCallers(t *testing.T) {
	year := 2026
	eps := 13
	animasu := &fakeProvider{
		name:        models.ProviderAnimasu,
		detailDelay: 30 * time.Millisecond,
		details: map[string]*providers.Detail{
			"jigokuraku-s2": {
				Provider:      models.ProviderAnimasu,
				Slug:          "jigokuraku-s2",
				Title:         "Jigokuraku S2",
				CoverURL:      "https://animasu.example/covers/jigokuraku.jpg",
				Year:          &year,
				TotalEpisodes: &eps,
			},
		},
	}
	samehadaku := &fakeProvider{name: models.ProviderSamehadaku, trusts: true}
	malc := &fakeMAL{
		search: map[string]*mal.Anime{"Jigokuraku S2": jikokurakuS2()},
		byID:   map[int]*mal.Anime{55825: jikokurakuS2()},
	}

	r, _ := newTestResolver(t, animasu, samehadaku, malc,
		map[string]string{"https://animasu.example/covers/jigokuraku.jpg": hashA})

	var wg sync.WaitGroup
	results := make([]*Result, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.ResolveBySlug(context.Background(), models.ProviderAnimasu, "jigokuraku-s2")
			if assert.NoError(t, err) {
				results[i] = res
			}
		}()
	}
	wg.Wait()

	// One scrape serves every waiter.
	assert.Equal(t, int32(1), animasu.detailCalls.Load())
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, 55825, res.Mapping.MALID)
	}
}

func TestResolveBySlug_NoMatch(t *testing.T) {
	animasu := &fakeProvider{
		name: models.ProviderAnimasu,
		details: map[string]*providers.Detail{
			"obscure-show": {
				Provider: models.ProviderAnimasu,
				Slug:     "obscure-show",
				Title:    "Obscure Show",
			},
		},
	}
	samehadaku := &fakeProvider{name: models.ProviderSamehadaku}
	r, _ := newTestResolver(t, animasu, samehadaku, &fakeMAL{}, nil)

	_, err := r.ResolveBySlug(context.Background(), models.ProviderAnimasu, "obscure-show")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolveByMALID_CacheHit(t *testing.T) {
	animasu := &fakeProvider{name: models.ProviderAnimasu}
	samehadaku := &fakeProvider{name: models.ProviderSamehadaku}
	malc := &fakeMAL{byID: map[int]*mal.Anime{55825: jikokurakuS2()}}
	r, mappings := newTestResolver(t, animasu, samehadaku, malc, nil)

	_, err := mappings.Upsert(context.Background(), &models.Mapping{MALID: 55825, TitleMain: "Jigokuraku 2nd Season"})
	require.NoError(t, err)
	require.NoError(t, r.metadata.Upsert(context.Background(), jikokurakuS2().ToMetadata()))

	res, err := r.ResolveByMALID(context.Background(), 55825)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	require.NotNil(t, res.Anime)
	assert.Equal(t, "Jigokuraku 2nd Season", res.Anime.Title)
	assert.Zero(t, animasu.searchCalls.Load())
	assert.Zero(t, malc.searchCalls.Load())
	assert.Zero(t, malc.lookupCalls.Load())
}

func TestResolveByMALID_ColdDiscovery(t *testing.T) {
	year := 2026
	eps := 13
	animasu := &fakeProvider{
		name: models.ProviderAnimasu,
		cards: map[string][]providers.Card{
			"Jigokuraku 2nd Season": {{
				Title:    "Jigokuraku S2",
				Slug:     "jigokuraku-s2",
				CoverURL: "https://animasu.example/covers/jigokuraku.jpg",
			}},
		},
		details: map[string]*providers.Detail{
			"jigokuraku-s2": {
				Provider:      models.ProviderAnimasu,
				Slug:          "jigokuraku-s2",
				Title:         "Jigokuraku S2",
				CoverURL:      "https://animasu.example/covers/jigokuraku.jpg",
				Year:          &year,
				TotalEpisodes: &eps,
			},
		},
	}
	samehadaku := &fakeProvider{
		name:   models.ProviderSamehadaku,
		trusts: true,
		cards: map[string][]providers.Card{
			"Jigokuraku 2nd Season": {{
				Title:    "Jigokuraku Season 2",
				Slug:     "jigokuraku-season-2",
				CoverURL: "https://samehadaku.example/covers/jigokuraku.jpg",
			}},
		},
	}
	malc := &fakeMAL{byID: map[int]*mal.Anime{55825: jikokurakuS2()}}
	hashes := map[string]string{
		"https://animasu.example/covers/jigokuraku.jpg":    hashA,
		"https://samehadaku.example/covers/jigokuraku.jpg": hashB,
	}

	r, mappings := newTestResolver(t, animasu, samehadaku, malc, hashes)

	res, err := r.ResolveByMALID(context.Background(), 55825)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	stored, err := mappings.GetByMALID(context.Background(), 55825)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.SlugAnimasu)
	assert.Equal(t, "jigokuraku-s2", *stored.SlugAnimasu)
	require.NotNil(t, stored.SlugSamehadaku)
	assert.Equal(t, "jigokuraku-season-2", *stored.SlugSamehadaku)
	require.NotNil(t, stored.PhashV1)
}

func TestResolveByMALID_PartialUpsert(t *testing.T) {
	animasu := &fakeProvider{name: models.ProviderAnimasu}
	samehadaku := &fakeProvider{name: models.ProviderSamehadaku}
	r, mappings := newTestResolver(t, animasu, samehadaku,
		&fakeMAL{byID: map[int]*mal.Anime{55825: jikokurakuS2()}}, nil)

	res, err := r.ResolveByMALID(context.Background(), 55825)
	require.NoError(t, err)
	assert.Nil(t, res.Mapping.SlugAnimasu)
	assert.Nil(t, res.Mapping.SlugSamehadaku)

	// Even without slugs the Jikan metadata is now cached.
	stored, err := mappings.GetByMALID(context.Background(), 55825)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Jigokuraku 2nd Season", stored.TitleMain)
}

func TestResolveByMALID_UnknownID(t *testing.T) {
	r, _ := newTestResolver(t,
		&fakeProvider{name: models.ProviderAnimasu},
		&fakeProvider{name: models.ProviderSamehadaku},
		&fakeMAL{}, nil)

	_, err := r.ResolveByMALID(context.Background(), 999999)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestBuildQueries(t *testing.T) {
	queries := buildQueries([]string{"Mushoku Tensei: Isekai Ittara Honki Dasu 2nd Season"})

	assert.Contains(t, queries, "Mushoku Tensei: Isekai Ittara Honki Dasu 2nd Season")
	assert.Contains(t, queries, "Mushoku Tensei")
	assert.Contains(t, queries, "Mushoku Tensei: Isekai Ittara Honki Dasu")
	// First three words prefix.
	assert.Contains(t, queries, "Mushoku Tensei: Isekai")

	// Deduped, full title first.
	assert.Equal(t, "Mushoku Tensei: Isekai Ittara Honki Dasu 2nd Season", queries[0])
	seen := map[string]int{}
	for _, q := range queries {
		seen[q]++
		assert.Equal(t, 1, seen[q])
	}
}

func TestDeriveSlugs(t *testing.T) {
	year := 2026
	slugs := deriveSlugs([]string{"Jigokuraku 2nd Season"}, &year)

	assert.Contains(t, slugs, "jigokuraku-2nd-season")
	assert.Contains(t, slugs, "jigokuraku")
	assert.Contains(t, slugs, "jigokuraku-season-2")
	assert.Contains(t, slugs, "jigokuraku-part-2")
	assert.Contains(t, slugs, "jigokuraku-s2")
	assert.Contains(t, slugs, "jigokuraku-2026")
}

func TestDeriveSlugs_ParticleCut(t *testing.T) {
	slugs := deriveSlugs([]string{"Kage no Jitsuryokusha ni Naritakute"}, nil)

	assert.Contains(t, slugs, "kage-no-jitsuryokusha-ni-naritakute")
	// Cut at the first particle.
	assert.Contains(t, slugs, "kage")
}

func TestVerifyCandidate_SeasonMarkerForbidsTitleOnly(t *testing.T) {
	target := &fakeProvider{
		name: models.ProviderSamehadaku,
		details: map[string]*providers.Detail{
			// No year, no episode count.
			"jigokuraku-season-2": {
				Provider: models.ProviderSamehadaku,
				Slug:     "jigokuraku-season-2",
				Title:    "Jigokuraku Season 2",
			},
			"one-piece": {
				Provider: models.ProviderSamehadaku,
				Slug:     "one-piece",
				Title:    "One Piece",
			},
		},
	}
	r, _ := newTestResolver(t, &fakeProvider{name: models.ProviderAnimasu}, target, &fakeMAL{}, nil)

	// Sequel title with a bare detail page: rejected even as direct slug.
	seasonal := jikokurakuS2()
	seasonal.Year = nil
	seasonal.Episodes = nil
	found := r.verifyCandidate(context.Background(), target, "jigokuraku-season-2", seasonal,
		seasonal.TitleVariants(), true)
	assert.Nil(t, found)

	// Season-free title with a bare page passes on title alone.
	onePiece := &mal.Anime{MALID: 21, Title: "One Piece"}
	found = r.verifyCandidate(context.Background(), target, "one-piece", onePiece,
		onePiece.TitleVariants(), true)
	require.NotNil(t, found)
	assert.Equal(t, "one-piece", found.Slug)
}
