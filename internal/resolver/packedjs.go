package resolver

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// hlsLinkKeys are the CDN link slots in the vidhide player config, best
// quality first.
var hlsLinkKeys = []string{"hls2", "hls4", "hls3"}

var bareM3U8Re = regexp.MustCompile(`https?://[^"'\s\\]+\.m3u8[^"'\s\\]*`)

// resolvePackedJS handles hosts that hide the player config inside a
// Dean Edwards packed script: unpack, pull the best CDN link, then
// descend from the master playlist to its first variant.
func (r *Resolver) resolvePackedJS(ctx context.Context, embedURL string) string {
	page := r.fetchPage(ctx, embedURL)
	if page == "" || !ContainsPackedJS(page) {
		r.logger.Warn("no packed script on embed page", slog.String("url", embedURL))
		return ""
	}

	unpacked, ok := UnpackJS(page)
	if !ok {
		r.logger.Warn("packed script did not unpack", slog.String("url", embedURL))
		return ""
	}

	masterURL := extractHLSLink(unpacked)
	if masterURL == "" {
		r.logger.Warn("no hls link in unpacked script", slog.String("url", embedURL))
		return ""
	}
	masterURL = absolutise(embedURL, masterURL)

	return r.firstVariant(ctx, masterURL)
}

// extractHLSLink returns the best CDN link from an unpacked player
// config, falling back to any bare playlist URL in the script.
func extractHLSLink(unpacked string) string {
	for _, key := range hlsLinkKeys {
		re := regexp.MustCompile(`"` + key + `"\s*:\s*"([^"]+)"`)
		if m := re.FindStringSubmatch(unpacked); m != nil {
			return strings.ReplaceAll(m[1], `\/`, `/`)
		}
	}
	return bareM3U8Re.FindString(unpacked)
}

// firstVariant fetches a master playlist and returns its first variant
// URL. A master that cannot be fetched or parsed, or that carries no
// variants, resolves to the master URL itself. Relative variant URIs
// resolve against the URL the fetch actually landed on, so a CDN
// redirect does not break them.
func (r *Resolver) firstVariant(ctx context.Context, masterURL string) string {
	body, baseURL := r.fetchPageFinal(ctx, masterURL)
	if body == "" {
		return masterURL
	}

	pl, err := playlist.Unmarshal([]byte(body))
	if err == nil {
		if mv, ok := pl.(*playlist.Multivariant); ok && len(mv.Variants) > 0 {
			return absolutise(baseURL, mv.Variants[0].URI)
		}
		return masterURL
	}

	// Tolerant fallback for playlists the strict parser rejects: the
	// line after the first stream marker is the variant URI.
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF") && i+1 < len(lines) {
			uri := strings.TrimSpace(lines[i+1])
			if uri != "" && !strings.HasPrefix(uri, "#") {
				return absolutise(baseURL, uri)
			}
		}
	}
	return masterURL
}

// absolutise resolves ref against base, returning ref untouched when
// either side is unparseable.
func absolutise(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(u).String()
}
