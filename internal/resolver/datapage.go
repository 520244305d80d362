package resolver

import (
	"context"
	"encoding/json"
	"html"
	"log/slog"
	"regexp"
)

var dataPageRe = regexp.MustCompile(`data-page="([^"]+)"`)

// dataPageProps is the inertia-style page payload wibufile embeds as an
// HTML-entity-escaped JSON attribute.
type dataPageProps struct {
	Props struct {
		URL string `json:"url"`
	} `json:"props"`
}

// resolveDataPage handles hosts that ship the video URL inside a
// data-page attribute.
func (r *Resolver) resolveDataPage(ctx context.Context, embedURL string) string {
	page := r.fetchPage(ctx, embedURL)
	if page == "" {
		return ""
	}

	m := dataPageRe.FindStringSubmatch(page)
	if m == nil {
		r.logger.Warn("no data-page attribute on embed page", slog.String("url", embedURL))
		return ""
	}

	var props dataPageProps
	if err := json.Unmarshal([]byte(html.UnescapeString(m[1])), &props); err != nil {
		r.logger.Warn("data-page payload did not parse", slog.String("url", embedURL), slog.String("error", err.Error()))
		return ""
	}
	if props.Props.URL == "" {
		return ""
	}
	return absolutise(embedURL, props.Props.URL)
}
