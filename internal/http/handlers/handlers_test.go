package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danantara/anivault/internal/mal"
	"github.com/danantara/anivault/internal/mapping"
	"github.com/danantara/anivault/internal/models"
	"github.com/danantara/anivault/internal/providers"
	"github.com/danantara/anivault/internal/streaming"
)

type fakeProvider struct {
	name         models.Provider
	cards        []providers.Card
	episodes     map[string][]providers.Episode
	homeErr      error
	episodeCalls atomic.Int32
}

func (f *fakeProvider) Name() models.Provider { return f.name }

func (f *fakeProvider) Home(ctx context.Context) ([]providers.Card, error) {
	return f.cards, f.homeErr
}

func (f *fakeProvider) Search(ctx context.Context, q string) ([]providers.Card, error) {
	return nil, nil
}

func (f *fakeProvider) Detail(ctx context.Context, slug string) (*providers.Detail, error) {
	return nil, fmt.Errorf("no detail for %s", slug)
}

func (f *fakeProvider) Episodes(ctx context.Context, slug string) ([]providers.Episode, error) {
	f.episodeCalls.Add(1)
	eps, ok := f.episodes[slug]
	if !ok {
		return nil, fmt.Errorf("no episode list for %s", slug)
	}
	return eps, nil
}

func (f *fakeProvider) StreamServers(ctx context.Context, slug string, episode int) ([]providers.StreamServer, error) {
	return nil, nil
}

func (f *fakeProvider) EpisodeURL(slug string, episode int) string {
	return fmt.Sprintf("https://%s.example/%s-episode-%d/", f.name, slug, episode)
}

func (f *fakeProvider) ValidCoverHost(string) bool  { return true }
func (f *fakeProvider) TrustsSearchTitles(int) bool { return false }

type fakeMapper struct {
	bySlug map[string]*mapping.Result
	byMAL  map[int]*mapping.Result
}

func (f *fakeMapper) ResolveBySlug(ctx context.Context, provider models.Provider, slug string) (*mapping.Result, error) {
	if res, ok := f.bySlug[string(provider)+":"+slug]; ok {
		return res, nil
	}
	return nil, mapping.ErrNoMatch
}

func (f *fakeMapper) ResolveByMALID(ctx context.Context, malID int) (*mapping.Result, error) {
	if res, ok := f.byMAL[malID]; ok {
		return res, nil
	}
	return nil, mapping.ErrNoMatch
}

type fakeEnricher struct {
	mu          sync.Mutex
	servers     map[string][]streaming.Server
	invalidated []string
}

func (f *fakeEnricher) GetStreaming(ctx context.Context, m *models.Mapping, episode int) (map[string][]streaming.Server, error) {
	return f.servers, nil
}

func (f *fakeEnricher) Invalidate(malID, episode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, fmt.Sprintf("%d:%d", malID, episode))
}

type fakeGenreSearch struct {
	page *mal.GenrePage
}

func (f *fakeGenreSearch) SearchByGenre(ctx context.Context, genreID, page int) *mal.GenrePage {
	return f.page
}

func testResult() *mapping.Result {
	m := &models.Mapping{MALID: 55825, TitleMain: "Jigokuraku 2nd Season"}
	m.SetSlug(models.ProviderAnimasu, "jigokuraku-s2")
	return &mapping.Result{
		Mapping: m,
		Anime:   &mal.Anime{MALID: 55825, Title: "Jigokuraku 2nd Season"},
		Cached:  true,
	}
}

func newTestRouter(t *testing.T, h *Handler) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func newTestHandler(mapper *fakeMapper, enricher *fakeEnricher, genres *fakeGenreSearch, provs ...providers.Provider) *Handler {
	if len(provs) == 0 {
		provs = []providers.Provider{
			&fakeProvider{name: models.ProviderAnimasu},
			&fakeProvider{name: models.ProviderSamehadaku},
		}
	}
	return New(
		providers.NewRegistry(provs...),
		mapper,
		enricher,
		genres,
		time.Minute,
		"pepper",
		"test",
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func do(t *testing.T, router chi.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHome_AggregatesProviders(t *testing.T) {
	animasu := &fakeProvider{name: models.ProviderAnimasu, cards: []providers.Card{
		{Title: "Jigokuraku S2", Slug: "jigokuraku-s2", CoverURL: "https://img.animasu.cc/a.jpg"},
	}}
	samehadaku := &fakeProvider{name: models.ProviderSamehadaku, cards: []providers.Card{
		{Title: "Jigokuraku Season 2", Slug: "jigokuraku-season-2", CoverURL: "https://img.samehadaku.how/b.jpg"},
	}}
	h := newTestHandler(&fakeMapper{}, &fakeEnricher{}, &fakeGenreSearch{}, animasu, samehadaku)
	rec := do(t, newTestRouter(t, h), http.MethodGet, "/api/v1/home", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Response-Time"))

	var resp struct {
		Success  bool                  `json:"success"`
		Count    int                   `json:"count"`
		Duration float64               `json:"duration"`
		Data     []providers.HomeEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Equal(t, 1, resp.Count)
	entry := resp.Data[0]
	assert.Equal(t, "Jigokuraku S2", entry.Name)
	assert.ElementsMatch(t, []string{"jigokuraku-s2", "jigokuraku-season-2"}, entry.Slugs)
	assert.ElementsMatch(t, []string{"animasu", "samehadaku"}, entry.Sources)
}

func TestSearch_PagesGenre(t *testing.T) {
	genres := &fakeGenreSearch{page: &mal.GenrePage{
		GenreID:     1,
		Page:        2,
		HasNextPage: true,
		Results:     []*mal.Anime{{MALID: 5114, Title: "Fullmetal Alchemist: Brotherhood"}},
	}}
	h := newTestHandler(&fakeMapper{}, &fakeEnricher{}, genres)
	rec := do(t, newTestRouter(t, h), http.MethodGet, "/api/v1/search?genre=action&page=2", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success     bool         `json:"success"`
		GenreID     int          `json:"genre_id"`
		Page        int          `json:"page"`
		HasNextPage bool         `json:"has_next_page"`
		Count       int          `json:"count"`
		Data        []searchItem `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.GenreID)
	assert.Equal(t, 2, resp.Page)
	assert.True(t, resp.HasNextPage)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, 5114, resp.Data[0].MALID)
}

func TestSearch_Validation(t *testing.T) {
	h := newTestHandler(&fakeMapper{}, &fakeEnricher{}, &fakeGenreSearch{})
	router := newTestRouter(t, h)

	rec := do(t, router, http.MethodGet, "/api/v1/search", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/v1/search?genre=mecha-western", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown genre")

	rec = do(t, router, http.MethodGet, "/api/v1/search?genre=action&page=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Upstream failure surfaces as a gateway error, not an empty page.
	rec = do(t, router, http.MethodGet, "/api/v1/search?genre=action", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAnimeBySlug_ResolvesAndListsEpisodes(t *testing.T) {
	animasu := &fakeProvider{
		name: models.ProviderAnimasu,
		episodes: map[string][]providers.Episode{
			"jigokuraku-s2": {
				{Number: 1, URL: "https://animasu.example/jigokuraku-s2-episode-1/"},
				{Number: 2, URL: "https://animasu.example/jigokuraku-s2-episode-2/"},
			},
		},
	}
	cold := testResult()
	cold.Cached = false
	mapper := &fakeMapper{bySlug: map[string]*mapping.Result{
		"animasu:jigokuraku-s2": cold,
	}}
	h := newTestHandler(mapper, &fakeEnricher{}, &fakeGenreSearch{},
		animasu, &fakeProvider{name: models.ProviderSamehadaku})

	rec := do(t, newTestRouter(t, h), http.MethodGet, "/api/v1/anime/jigokuraku-s2?provider=animasu", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool `json:"success"`
		Cached  bool `json:"cached"`
		Data    struct {
			Mapping  models.Mapping                 `json:"mapping"`
			MAL      mal.Anime                      `json:"mal"`
			Episodes map[string][]providers.Episode `json:"episodes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.False(t, resp.Cached)
	assert.Equal(t, 55825, resp.Data.Mapping.MALID)
	assert.Equal(t, "Jigokuraku 2nd Season", resp.Data.MAL.Title)
	require.Len(t, resp.Data.Episodes["animasu"], 2)
	assert.Nil(t, resp.Data.Episodes["samehadaku"])
}

func TestAnimeBySlug_CacheHitSkipsProviderScrapes(t *testing.T) {
	animasu := &fakeProvider{
		name: models.ProviderAnimasu,
		episodes: map[string][]providers.Episode{
			"jigokuraku-s2": {
				{Number: 1, URL: "https://animasu.example/jigokuraku-s2-episode-1/"},
			},
		},
	}
	res := testResult()
	res.Cached = false
	mapper := &fakeMapper{bySlug: map[string]*mapping.Result{
		"animasu:jigokuraku-s2": res,
	}}
	h := newTestHandler(mapper, &fakeEnricher{}, &fakeGenreSearch{},
		animasu, &fakeProvider{name: models.ProviderSamehadaku})
	router := newTestRouter(t, h)

	// Cold resolution scrapes once and fills the episode cache.
	rec := do(t, router, http.MethodGet, "/api/v1/anime/jigokuraku-s2?provider=animasu", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int32(1), animasu.episodeCalls.Load())

	// The warm mapping serves the cached lists with zero provider calls.
	res.Cached = true
	rec = do(t, router, http.MethodGet, "/api/v1/anime/jigokuraku-s2?provider=animasu", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), animasu.episodeCalls.Load())

	var resp struct {
		Cached bool `json:"cached"`
		Data   struct {
			Episodes map[string][]providers.Episode `json:"episodes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
	require.Len(t, resp.Data.Episodes["animasu"], 1)
}

func TestAnimeBySlug_CacheHitWithEmptyEpisodeCache(t *testing.T) {
	// A warm mapping whose episodes were never gathered still answers
	// from local state: explicit nulls, no provider round-trips.
	animasu := &fakeProvider{name: models.ProviderAnimasu}
	mapper := &fakeMapper{bySlug: map[string]*mapping.Result{
		"animasu:jigokuraku-s2": testResult(),
	}}
	h := newTestHandler(mapper, &fakeEnricher{}, &fakeGenreSearch{},
		animasu, &fakeProvider{name: models.ProviderSamehadaku})

	rec := do(t, newTestRouter(t, h), http.MethodGet, "/api/v1/anime/jigokuraku-s2?provider=animasu", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, animasu.episodeCalls.Load())

	raw := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Contains(t, string(raw["data"]), `"animasu":null`)
	assert.Contains(t, string(raw["data"]), `"samehadaku":null`)
}

func TestAnimeBySlug_Validation(t *testing.T) {
	h := newTestHandler(&fakeMapper{}, &fakeEnricher{}, &fakeGenreSearch{})
	router := newTestRouter(t, h)

	rec := do(t, router, http.MethodGet, "/api/v1/anime/some-slug", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider query parameter is required")

	rec = do(t, router, http.MethodGet, "/api/v1/anime/some-slug?provider=crunchy", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/v1/anime/unknown-slug?provider=animasu", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"Not Found"`)
}

func TestAnimeByMALID(t *testing.T) {
	mapper := &fakeMapper{byMAL: map[int]*mapping.Result{55825: testResult()}}
	h := newTestHandler(mapper, &fakeEnricher{}, &fakeGenreSearch{})
	router := newTestRouter(t, h)

	rec := do(t, router, http.MethodGet, "/api/v1/anime/mal/55825", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/v1/anime/mal/not-a-number", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/v1/anime/mal/99999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreaming_GroupsServersByProvider(t *testing.T) {
	resolved := "https://cdn.example/720/index.m3u8"
	stream := "https://proxy.example/proxy?url=..."
	enricher := &fakeEnricher{servers: map[string][]streaming.Server{
		"animasu": {{
			Provider:    "Filemoon 720p",
			URL:         "https://filemoon.example/e/abc",
			URLResolved: &resolved,
			Stream:      &stream,
		}},
		"samehadaku": nil,
	}}
	mapper := &fakeMapper{byMAL: map[int]*mapping.Result{55825: testResult()}}
	h := newTestHandler(mapper, enricher, &fakeGenreSearch{})

	rec := do(t, newTestRouter(t, h), http.MethodGet, "/api/v1/streaming/55825/1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool                          `json:"success"`
		MALID   int                           `json:"mal_id"`
		Episode int                           `json:"episode"`
		Data    map[string][]streaming.Server `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 55825, resp.MALID)
	assert.Equal(t, 1, resp.Episode)
	require.Len(t, resp.Data["animasu"], 1)
	assert.Equal(t, "Filemoon 720p", resp.Data["animasu"][0].Provider)

	// Unmapped provider is present as an explicit null.
	raw := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Contains(t, string(raw["data"]), `"samehadaku":null`)
}

func TestStreaming_Validation(t *testing.T) {
	h := newTestHandler(&fakeMapper{}, &fakeEnricher{}, &fakeGenreSearch{})
	router := newTestRouter(t, h)

	rec := do(t, router, http.MethodGet, "/api/v1/streaming/abc/1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/v1/streaming/55825/0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/v1/streaming/99999/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidate_RequiresSecret(t *testing.T) {
	enricher := &fakeEnricher{}
	h := newTestHandler(&fakeMapper{}, enricher, &fakeGenreSearch{})
	router := newTestRouter(t, h)

	rec := do(t, router, http.MethodPost, "/api/v1/streaming/invalidate",
		`{"mal_id":55825,"episode":1,"secret":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, enricher.invalidated)

	rec = do(t, router, http.MethodPost, "/api/v1/streaming/invalidate",
		`{"mal_id":55825,"episode":1,"secret":"pepper"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"55825:1"}, enricher.invalidated)
}

func TestNotFound_ReturnsJSONEnvelope(t *testing.T) {
	h := newTestHandler(&fakeMapper{}, &fakeEnricher{}, &fakeGenreSearch{})
	rec := do(t, newTestRouter(t, h), http.MethodGet, "/api/v2/nope", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "Not Found", resp.Error)
	assert.NotEmpty(t, resp.Message)
}

func TestHealthAndRoot(t *testing.T) {
	h := newTestHandler(&fakeMapper{}, &fakeEnricher{}, &fakeGenreSearch{})
	router := newTestRouter(t, h)

	rec := do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = do(t, router, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"anivault"`)
}
