package resolver

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Generic player-page extraction, tried in order. Covers the long tail
// of hosts that render a stock video.js or jwplayer setup.
var playerSourceRes = []*regexp.Regexp{
	// jwplayer setup: sources: [{file:"..."}]
	regexp.MustCompile(`sources\s*:\s*\[\s*\{\s*(?:"?file"?|"?src"?)\s*:\s*["']([^"']+)["']`),
	// bare file: "..." player option
	regexp.MustCompile(`["']?file["']?\s*:\s*["'](https?://[^"']+)["']`),
	// video.js markup: <source src="...">
	regexp.MustCompile(`<source[^>]+src=["']([^"']+)["']`),
	// <video src="..."> without child sources
	regexp.MustCompile(`<video[^>]+src=["']([^"']+)["']`),
}

// resolvePlayerPage fetches the embed page and tries the generic player
// extractors.
func (r *Resolver) resolvePlayerPage(ctx context.Context, embedURL string) string {
	page := r.fetchPage(ctx, embedURL)
	if page == "" {
		return ""
	}

	// Pages that pack their player config still yield to the generic
	// extractors after unpacking.
	if ContainsPackedJS(page) {
		if unpacked, ok := UnpackJS(page); ok {
			page = page + "\n" + unpacked
		}
	}

	for _, re := range playerSourceRes {
		if m := re.FindStringSubmatch(page); m != nil {
			src := strings.ReplaceAll(m[1], `\/`, `/`)
			if strings.HasPrefix(src, "data:") || strings.HasPrefix(src, "blob:") {
				continue
			}
			return absolutise(embedURL, src)
		}
	}
	r.logger.Warn("no player source on embed page", slog.String("url", embedURL))
	return ""
}
