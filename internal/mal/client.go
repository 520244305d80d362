package mal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/danantara/anivault/internal/config"
	"github.com/danantara/anivault/internal/httpclient"
)

// searchLimit is how many candidates each search query fetches.
const searchLimit = 5

// Client is a throttled Jikan API client. One Client per process: the
// throttle serialises every request across all callers, keeping the
// upstream's rate limit honoured no matter how many requests fan out.
type Client struct {
	http    *httpclient.Client
	baseURL string
	limiter *rate.Limiter
	logger  *slog.Logger

	simThreshold float64
	epTolerance  int
}

// NewClient creates a Jikan client from configuration.
func NewClient(cfg config.MALConfig, matching config.MatchingConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	// Jikan calls are expensive against the shared throttle, so failures
	// are never retried; one attempt surfaces as a miss.
	hcfg := httpclient.DefaultConfig()
	hcfg.Timeout = cfg.Timeout
	hcfg.RetryAttempts = 0
	hcfg.Logger = logger

	return &Client{
		http:         httpclient.New(hcfg),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		limiter:      rate.NewLimiter(rate.Every(cfg.Throttle), 1),
		logger:       logger,
		simThreshold: matching.TitleSimilarity,
		epTolerance:  matching.EpisodeTolerance,
	}
}

// envelope is Jikan's standard response wrapper.
type envelope struct {
	Data       json.RawMessage `json:"data"`
	Pagination pagination      `json:"pagination"`
}

type pagination struct {
	HasNextPage bool `json:"has_next_page"`
}

// fetch performs a throttled GET and decodes the response envelope.
// Transport errors and non-2xx responses are logged and reported as a
// miss, never as a failure of the calling request.
func (c *Client) fetch(ctx context.Context, path string, query url.Values) *envelope {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	resp, err := c.http.Get(ctx, u)
	if err != nil {
		c.logger.Warn("jikan request failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("jikan non-200",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		c.logger.Warn("jikan decode failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return &env
}

// getJSON fetches and unmarshals the data envelope into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) bool {
	env := c.fetch(ctx, path, query)
	if env == nil {
		return false
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		c.logger.Warn("jikan envelope shape unexpected",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// Search fetches up to limit candidates for a free-text query.
func (c *Client) Search(ctx context.Context, query string, limit int) []*Anime {
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))

	var results []*Anime
	if !c.getJSON(ctx, "/anime", q, &results) {
		return nil
	}
	return results
}

// GetByID fetches one anime by MAL id, or nil on any failure.
func (c *Client) GetByID(ctx context.Context, malID int) *Anime {
	var a Anime
	if !c.getJSON(ctx, fmt.Sprintf("/anime/%d", malID), nil, &a) {
		return nil
	}
	if a.MALID == 0 {
		return nil
	}
	return &a
}

// GetFullByID fetches the full anime record by MAL id, or nil.
func (c *Client) GetFullByID(ctx context.Context, malID int) *Anime {
	var a Anime
	if !c.getJSON(ctx, fmt.Sprintf("/anime/%d/full", malID), nil, &a) {
		return nil
	}
	if a.MALID == 0 {
		return nil
	}
	return &a
}

// ValidateMetadata gates a MAL candidate against provider-scraped
// metadata. Both-known fields must agree: years within 1 (simulcast
// listings straddle New Year), episode counts within the tolerance
// (late uploads and recap specials). Unknown fields pass.
func (c *Client) ValidateMetadata(a *Anime, scrapedYear, scrapedEpisodes *int) bool {
	return ValidateMetadata(a, scrapedYear, scrapedEpisodes, c.epTolerance)
}

// ValidateMetadata is the package-level form of the metadata gate.
func ValidateMetadata(a *Anime, scrapedYear, scrapedEpisodes *int, epTolerance int) bool {
	if a == nil {
		return false
	}

	if year := a.EffectiveYear(); year != nil && scrapedYear != nil {
		if abs(*year-*scrapedYear) > 1 {
			return false
		}
	}
	if a.Episodes != nil && scrapedEpisodes != nil {
		if abs(*a.Episodes-*scrapedEpisodes) > epTolerance {
			return false
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
