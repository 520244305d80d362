package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/danantara/anivault/internal/mal"
	"github.com/danantara/anivault/internal/phash"
	"github.com/danantara/anivault/internal/providers"
	"github.com/danantara/anivault/internal/title"
)

// minPrefixQueryLen is the shortest first-three-words prefix worth
// searching; anything shorter floods the results.
const minPrefixQueryLen = 8

// particleCuts are the Japanese particle separators long light-novel
// titles break on; the prefix before the first one is usually how a
// provider shortens the slug.
var particleCuts = []string{" to ", " no ", " ga ", " de ", " ni ", " wo "}

// discovered is a successful cross-provider probe.
type discovered struct {
	Slug  string
	Phash string
}

// discoverOn probes one target provider for the MAL candidate: search
// queries first, then derived slugs as a last resort. knownPhash, when
// present, enables the cheap visual accept on card thumbnails.
func (r *Resolver) discoverOn(ctx context.Context, target providers.Provider, jikan *mal.Anime, knownPhash string) *discovered {
	variants := jikan.TitleVariants()

	for _, query := range buildQueries(variants) {
		cards, err := target.Search(ctx, query)
		if err != nil {
			r.logger.Warn("cross-provider search failed",
				slog.String("provider", string(target.Name())),
				slog.String("query", query),
				slog.String("error", err.Error()))
			continue
		}

		var valid []providers.Card
		for _, card := range cards {
			if card.CoverURL == "" || target.ValidCoverHost(card.CoverURL) {
				valid = append(valid, card)
			}
		}
		skipTitleFilter := target.TrustsSearchTitles(len(valid))

		for _, card := range valid {
			if !skipTitleFilter && !titleMatchesVariants(card.Title, variants, r.cfg.TitleSimilarity) {
				continue
			}

			if knownPhash != "" && card.CoverURL != "" {
				thumbHash := r.hasher.FromURL(ctx, card.CoverURL)
				if d := phash.Distance(knownPhash, thumbHash); d >= 0 && d < r.cfg.PhashThreshold {
					return &discovered{Slug: card.Slug, Phash: thumbHash}
				}
				continue
			}

			if found := r.verifyCandidate(ctx, target, card.Slug, jikan, variants, false); found != nil {
				return found
			}
		}
	}

	for _, slug := range deriveSlugs(variants, jikan.EffectiveYear()) {
		if found := r.verifyCandidate(ctx, target, slug, jikan, variants, true); found != nil {
			return found
		}
	}
	return nil
}

// verifyCandidate fetches a candidate detail page and applies the title
// and metadata gates. directSlug marks the derived-slug last resort,
// where a page with no metadata at all may still pass on title alone
// provided the MAL title carries no season marker.
func (r *Resolver) verifyCandidate(ctx context.Context, target providers.Provider, slug string, jikan *mal.Anime, variants []string, directSlug bool) *discovered {
	detail, err := target.Detail(ctx, slug)
	if err != nil {
		return nil
	}
	if detail.CoverURL != "" && !target.ValidCoverHost(detail.CoverURL) {
		return nil
	}

	if !titleMatchesVariants(detail.Title, variants, r.cfg.TitleSimilarity) &&
		!slugPrefixRelated(detail.Title, variants) {
		return nil
	}

	metadataAbsent := detail.Year == nil && detail.TotalEpisodes == nil
	if metadataAbsent {
		if !directSlug {
			// Search candidates without any metadata are unverifiable.
			return nil
		}
		// A season marker makes a title-only accept too risky: every
		// season of the franchise shares the base title.
		if hasSeasonMarker(variants) {
			return nil
		}
	} else if !r.mal.ValidateMetadata(jikan, detail.Year, detail.TotalEpisodes) {
		return nil
	}

	found := &discovered{Slug: slug}
	if detail.CoverURL != "" && target.ValidCoverHost(detail.CoverURL) {
		found.Phash = r.hasher.FromURL(ctx, detail.CoverURL)
	}
	r.logger.Info("cross-provider match",
		slog.String("provider", string(target.Name())),
		slog.String("slug", slug),
		slog.Int("mal_id", jikan.MALID),
		slog.Bool("direct_slug", directSlug))
	return found
}

// buildQueries derives the ordered, deduped search query list from the
// MAL title variants: full title, pre-colon prefix, season-stripped
// base, and the first three words when long enough.
func buildQueries(variants []string) []string {
	var queries []string
	seen := map[string]bool{}
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" || seen[strings.ToLower(q)] {
			return
		}
		seen[strings.ToLower(q)] = true
		queries = append(queries, q)
	}

	for _, v := range variants {
		cleaned := title.CleanTitle(v)
		add(cleaned)
		if prefix, _, ok := strings.Cut(cleaned, ":"); ok {
			add(prefix)
		}
		add(title.StripSeasonClause(cleaned))
		if words := strings.Fields(cleaned); len(words) > 3 {
			prefix := strings.Join(words[:3], " ")
			if len(prefix) >= minPrefixQueryLen {
				add(prefix)
			}
		}
	}
	return queries
}

// deriveSlugs builds the direct-slug candidates for the last resort:
// canonical slugs of the title forms, particle-separator cuts, season
// variants for sequels, and year-suffixed forms.
func deriveSlugs(variants []string, year *int) []string {
	var slugs []string
	seen := map[string]bool{}
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		slugs = append(slugs, s)
	}

	for _, v := range variants {
		cleaned := title.CleanTitle(v)
		full := title.CanonicalSlug(cleaned)
		base := title.CanonicalSlug(title.StripSeasonClause(cleaned))

		add(full)
		if prefix, _, ok := strings.Cut(cleaned, ":"); ok {
			add(title.CanonicalSlug(prefix))
		}
		add(base)

		lower := strings.ToLower(cleaned)
		for _, cut := range particleCuts {
			if idx := strings.Index(lower, cut); idx > 0 {
				add(title.CanonicalSlug(cleaned[:idx]))
			}
		}

		if n, ok := title.SeasonNumber(cleaned); ok && n >= 2 && base != "" {
			add(fmt.Sprintf("%s-season-%d", base, n))
			add(fmt.Sprintf("%s-%s-season", base, ordinal(n)))
			add(fmt.Sprintf("%s-part-%d", base, n))
			add(fmt.Sprintf("%s-s%d", base, n))
			add(fmt.Sprintf("%s-%d", base, n))
		}

		if year != nil {
			if base != "" {
				add(fmt.Sprintf("%s-%d", base, *year))
			}
			if full != "" && full != base {
				add(fmt.Sprintf("%s-%d", full, *year))
			}
		}
	}
	return slugs
}

// titleMatchesVariants reports whether a scraped title clears the
// similarity threshold against any MAL variant, both sides season
// normalised.
func titleMatchesVariants(scraped string, variants []string, threshold float64) bool {
	a := title.NormaliseSeason(title.CleanTitle(scraped))
	for _, v := range variants {
		b := title.NormaliseSeason(title.CleanTitle(v))
		if title.Similarity(a, b) >= threshold {
			return true
		}
	}
	return false
}

// slugPrefixRelated reports whether the scraped title and any variant
// relate as slug prefixes, catching subtitle truncation.
func slugPrefixRelated(scraped string, variants []string) bool {
	a := title.CanonicalSlug(title.NormaliseSeason(title.CleanTitle(scraped)))
	for _, v := range variants {
		b := title.CanonicalSlug(title.NormaliseSeason(title.CleanTitle(v)))
		if title.HasPrefixRelation(a, b, 5) {
			return true
		}
	}
	return false
}

// hasSeasonMarker reports whether any MAL title variant names a season.
func hasSeasonMarker(variants []string) bool {
	for _, v := range variants {
		if _, ok := title.SeasonNumber(title.CleanTitle(v)); ok {
			return true
		}
	}
	return false
}

// ordinal renders 2 as "2nd", 3 as "3rd", everything else with "th".
func ordinal(n int) string {
	switch n {
	case 1:
		return "1st"
	case 2:
		return "2nd"
	case 3:
		return "3rd"
	default:
		return fmt.Sprintf("%dth", n)
	}
}
