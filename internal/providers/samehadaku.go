package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/danantara/anivault/internal/httpclient"
	"github.com/danantara/anivault/internal/models"
)

// DefaultSamehadakuBaseURL is the current samehadaku mirror.
const DefaultSamehadakuBaseURL = "https://v1.samehadaku.how"

// samehadakuCoverDomains is the domain family samehadaku serves covers from.
var samehadakuCoverDomains = []string{"samehadaku.how", "samehadaku.email", "wp.com"}

// trustedResultLimit is the largest result set whose card titles are taken
// at face value. Samehadaku cards carry full romaji titles, so a small,
// focused result set needs no similarity pre-filter.
const trustedResultLimit = 3

// Samehadaku scrapes the samehadaku provider.
type Samehadaku struct {
	baseURL string
	client  *httpclient.Client
	logger  *slog.Logger
}

// NewSamehadaku creates the samehadaku scraper.
func NewSamehadaku(baseURL string, client *httpclient.Client, logger *slog.Logger) *Samehadaku {
	if baseURL == "" {
		baseURL = DefaultSamehadakuBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Samehadaku{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With(slog.String("provider", string(models.ProviderSamehadaku))),
	}
}

// Name returns the provider identifier.
func (s *Samehadaku) Name() models.Provider {
	return models.ProviderSamehadaku
}

// Home lists the cards on the front page.
func (s *Samehadaku) Home(ctx context.Context) ([]Card, error) {
	doc, err := fetchDocument(ctx, s.client, s.baseURL+"/")
	if err != nil {
		return nil, err
	}
	return parseCards(doc, s.baseURL, "animpost", "title"), nil
}

// Search lists the cards for a query.
func (s *Samehadaku) Search(ctx context.Context, query string) ([]Card, error) {
	doc, err := fetchDocument(ctx, s.client, s.baseURL+"/?s="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}
	return parseCards(doc, s.baseURL, "animpost", "title"), nil
}

// Detail scrapes one detail page.
func (s *Samehadaku) Detail(ctx context.Context, slug string) (*Detail, error) {
	doc, err := fetchDocument(ctx, s.client, s.detailURL(slug))
	if err != nil {
		return nil, err
	}

	detail := &Detail{
		Provider: models.ProviderSamehadaku,
		Slug:     slug,
	}

	if h1 := findFirst(doc, byTagClass("h1", "entry-title")); h1 != nil {
		detail.Title = textContent(h1)
	}
	// Detail titles come prefixed with the site's branding.
	detail.Title = strings.TrimSpace(strings.TrimPrefix(detail.Title, "Nonton Anime"))

	if thumb := findFirst(doc, byTagClass("div", "thumb")); thumb != nil {
		detail.CoverURL = imageSource(thumb, s.baseURL)
	}
	if detail.CoverURL == "" {
		detail.CoverURL = imageSource(doc, s.baseURL)
	}
	detail.Year = parseYear(infoValue(doc, "Rilis", "Tahun", "Released"))
	detail.TotalEpisodes = parseCount(infoValue(doc, "Total Episode", "Episode"))

	if detail.Title == "" {
		return nil, fmt.Errorf("detail page for %q has no title", slug)
	}
	return detail, nil
}

// Episodes lists the episodes on a detail page.
func (s *Samehadaku) Episodes(ctx context.Context, slug string) ([]Episode, error) {
	doc, err := fetchDocument(ctx, s.client, s.detailURL(slug))
	if err != nil {
		return nil, err
	}

	var episodes []Episode
	seen := map[int]bool{}
	for _, list := range findAll(doc, byTagClass("div", "lstepsiode")) {
		for _, link := range findAll(list, byTag("a")) {
			href := absoluteURL(s.baseURL, attr(link, "href"))
			num, ok := parseEpisodeNumber(href)
			if !ok {
				num, ok = parseEpisodeNumber(textContent(link))
			}
			if !ok || seen[num] {
				continue
			}
			seen[num] = true
			episodes = append(episodes, Episode{Number: num, URL: href})
		}
	}
	return episodes, nil
}

// EpisodeURL builds the stable episode page URL.
func (s *Samehadaku) EpisodeURL(slug string, episode int) string {
	return fmt.Sprintf("%s/%s-episode-%d/", s.baseURL, slug, episode)
}

// StreamServers lists the mirrors on one episode page. Samehadaku renders
// each mirror either as a server <option> or as a player tab carrying the
// encoded iframe in a data attribute.
func (s *Samehadaku) StreamServers(ctx context.Context, slug string, episode int) ([]StreamServer, error) {
	doc, err := fetchDocument(ctx, s.client, s.EpisodeURL(slug, episode))
	if err != nil {
		return nil, err
	}

	var servers []StreamServer
	appendServer := func(label, encoded string) {
		embed := decodeEmbedOption(encoded, s.baseURL)
		if embed == "" {
			s.logger.Debug("undecodable server entry", slog.String("slug", slug))
			return
		}
		servers = append(servers, StreamServer{
			Label:      label,
			EmbedURL:   embed,
			Resolution: ParseResolution(label),
		})
	}

	for _, sel := range findAll(doc, byTagClass("select", "server")) {
		for _, option := range findAll(sel, byTag("option")) {
			if value := attr(option, "value"); value != "" {
				appendServer(textContent(option), value)
			}
		}
	}
	for _, tab := range findAll(doc, byTagClass("div", "east_player_option")) {
		if value := attr(tab, "data-content"); value != "" {
			appendServer(textContent(tab), value)
		}
	}
	return servers, nil
}

// ValidCoverHost reports whether a cover URL is on samehadaku's domain
// family.
func (s *Samehadaku) ValidCoverHost(coverURL string) bool {
	domains := samehadakuCoverDomains
	if u, err := url.Parse(s.baseURL); err == nil && u.Hostname() != "" {
		domains = append([]string{u.Hostname()}, domains...)
	}
	return hostSuffixMatch(coverURL, domains)
}

// TrustsSearchTitles reports whether the pre-filter can be skipped for a
// result set of the given size.
func (s *Samehadaku) TrustsSearchTitles(resultCount int) bool {
	return resultCount > 0 && resultCount <= trustedResultLimit
}

func (s *Samehadaku) detailURL(slug string) string {
	return s.baseURL + "/anime/" + slug + "/"
}
