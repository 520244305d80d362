package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/danantara/anivault/internal/httpclient"
	"github.com/danantara/anivault/internal/models"
)

// DefaultAnimasuBaseURL is the current animasu mirror.
const DefaultAnimasuBaseURL = "https://v9.animasu.cc"

// animasuCoverDomains is the domain family animasu serves covers from.
var animasuCoverDomains = []string{"animasu.cc", "wp.com", "blogger.googleusercontent.com"}

// Animasu scrapes the animasu provider.
type Animasu struct {
	baseURL string
	client  *httpclient.Client
	logger  *slog.Logger
}

// NewAnimasu creates the animasu scraper.
func NewAnimasu(baseURL string, client *httpclient.Client, logger *slog.Logger) *Animasu {
	if baseURL == "" {
		baseURL = DefaultAnimasuBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Animasu{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With(slog.String("provider", string(models.ProviderAnimasu))),
	}
}

// Name returns the provider identifier.
func (a *Animasu) Name() models.Provider {
	return models.ProviderAnimasu
}

// Home lists the cards on the front page.
func (a *Animasu) Home(ctx context.Context) ([]Card, error) {
	doc, err := fetchDocument(ctx, a.client, a.baseURL+"/")
	if err != nil {
		return nil, err
	}
	return parseCards(doc, a.baseURL, "bs", "tt"), nil
}

// Search lists the cards for a query.
func (a *Animasu) Search(ctx context.Context, query string) ([]Card, error) {
	doc, err := fetchDocument(ctx, a.client, a.baseURL+"/?s="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}
	return parseCards(doc, a.baseURL, "bs", "tt"), nil
}

// Detail scrapes one detail page.
func (a *Animasu) Detail(ctx context.Context, slug string) (*Detail, error) {
	doc, err := fetchDocument(ctx, a.client, a.detailURL(slug))
	if err != nil {
		return nil, err
	}

	detail := &Detail{
		Provider: models.ProviderAnimasu,
		Slug:     slug,
	}

	if h1 := findFirst(doc, byTagClass("h1", "entry-title")); h1 != nil {
		detail.Title = textContent(h1)
	}
	if thumb := findFirst(doc, byTagClass("div", "thumb")); thumb != nil {
		detail.CoverURL = imageSource(thumb, a.baseURL)
	}
	if detail.CoverURL == "" {
		detail.CoverURL = imageSource(doc, a.baseURL)
	}
	detail.Year = parseYear(infoValue(doc, "Tahun", "Rilis"))
	detail.TotalEpisodes = parseCount(infoValue(doc, "Total Episode", "Episode"))

	if detail.Title == "" {
		return nil, fmt.Errorf("detail page for %q has no title", slug)
	}
	return detail, nil
}

// Episodes lists the episodes on a detail page, newest first as the site
// renders them.
func (a *Animasu) Episodes(ctx context.Context, slug string) ([]Episode, error) {
	doc, err := fetchDocument(ctx, a.client, a.detailURL(slug))
	if err != nil {
		return nil, err
	}

	var episodes []Episode
	seen := map[int]bool{}
	for _, list := range findAll(doc, byTagClass("ul", "daftar")) {
		for _, link := range findAll(list, byTag("a")) {
			href := absoluteURL(a.baseURL, attr(link, "href"))
			num, ok := parseEpisodeNumber(textContent(link))
			if !ok {
				num, ok = parseEpisodeNumber(href)
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
func (a *Animasu) EpisodeURL(slug string, episode int) string {
	return fmt.Sprintf("%s/%s-episode-%d/", a.baseURL, slug, episode)
}

// StreamServers lists the mirrors on one episode page. Animasu packs each
// mirror's iframe base64-encoded into the value of a server <option>.
func (a *Animasu) StreamServers(ctx context.Context, slug string, episode int) ([]StreamServer, error) {
	doc, err := fetchDocument(ctx, a.client, a.EpisodeURL(slug, episode))
	if err != nil {
		return nil, err
	}

	var servers []StreamServer
	for _, sel := range findAll(doc, byTagClass("select", "mirror")) {
		for _, option := range findAll(sel, byTag("option")) {
			value := attr(option, "value")
			if value == "" {
				continue
			}
			embed := decodeEmbedOption(value, a.baseURL)
			if embed == "" {
				a.logger.Debug("undecodable mirror option", slog.String("slug", slug))
				continue
			}
			label := textContent(option)
			servers = append(servers, StreamServer{
				Label:      label,
				EmbedURL:   embed,
				Resolution: ParseResolution(label),
			})
		}
	}
	return servers, nil
}

// ValidCoverHost reports whether a cover URL is on animasu's domain family.
func (a *Animasu) ValidCoverHost(coverURL string) bool {
	domains := animasuCoverDomains
	if u, err := url.Parse(a.baseURL); err == nil && u.Hostname() != "" {
		domains = append([]string{u.Hostname()}, domains...)
	}
	return hostSuffixMatch(coverURL, domains)
}

// TrustsSearchTitles: animasu card titles are truncated display names, so
// pre-filtering always applies.
func (a *Animasu) TrustsSearchTitles(int) bool {
	return false
}

func (a *Animasu) detailURL(slug string) string {
	return a.baseURL + "/anime/" + slug + "/"
}

var iframeSrcRe = regexp.MustCompile(`(?i)src=["']([^"']+)["']`)

// decodeEmbedOption turns a base64 mirror option into the iframe's
// absolute URL. Some mirrors put the bare URL in the option instead.
func decodeEmbedOption(value, baseURL string) string {
	raw := strings.TrimSpace(value)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		raw = string(decoded)
	}
	if m := iframeSrcRe.FindStringSubmatch(raw); m != nil {
		return absoluteURL(baseURL, m[1])
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "//") {
		return absoluteURL(baseURL, raw)
	}
	return ""
}
