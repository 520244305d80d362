package mal

import (
	"context"
	"log/slog"

	"github.com/danantara/anivault/internal/title"
)

// prefixFloor is the score assigned when the slug forms of query and
// candidate stand in a prefix relation; such pairs are near-certain
// matches even when a long subtitle drags raw similarity down.
const prefixFloor = 0.92

// minPrefixSlugLen guards the prefix relation against trivially short
// queries.
const minPrefixSlugLen = 5

// SearchByTitle runs the multi-query fuzzy search and returns the best
// candidate, or nil when nothing clears the similarity threshold.
//
// Queries, in order: the raw title, the raw title with its season clause
// stripped, and the season-normalised form. Scores are the maximum
// similarity between the season-normalised raw title and each of the
// candidate's title variants. Ties break towards a candidate whose year
// is within 1 of the scraped year.
func (c *Client) SearchByTitle(ctx context.Context, raw string, scrapedYear *int) *Anime {
	cleaned := title.CleanTitle(raw)
	normalised := title.NormaliseSeason(cleaned)

	queries := dedupe([]string{
		cleaned,
		title.StripSeasonClause(cleaned),
		normalised,
	})

	var (
		best      *Anime
		bestScore float64
	)

	for _, query := range queries {
		querySlug := title.CanonicalSlug(query)

		for _, candidate := range c.Search(ctx, query, searchLimit) {
			score := scoreCandidate(normalised, querySlug, candidate)

			better := score > bestScore
			if score == bestScore && best != nil && !yearMatches(best, scrapedYear) && yearMatches(candidate, scrapedYear) {
				better = true
			}
			if better {
				best = candidate
				bestScore = score
			}

			if bestScore >= c.simThreshold && (scrapedYear == nil || yearMatches(best, scrapedYear)) {
				c.logger.Debug("mal search early exit",
					slog.String("query", query),
					slog.Int("mal_id", best.MALID),
					slog.Float64("score", bestScore),
				)
				return c.accept(best, bestScore)
			}
		}
	}

	return c.accept(best, bestScore)
}

// accept applies the similarity threshold to the tracked best.
func (c *Client) accept(best *Anime, score float64) *Anime {
	if best == nil || score < c.simThreshold {
		return nil
	}
	return best
}

// scoreCandidate computes the match score of one candidate against the
// season-normalised raw title.
func scoreCandidate(normalisedRaw, querySlug string, candidate *Anime) float64 {
	var best float64
	for _, variant := range candidate.TitleVariants() {
		v := title.NormaliseSeason(title.CleanTitle(variant))
		if s := title.Similarity(normalisedRaw, v); s > best {
			best = s
		}

		if best < prefixFloor &&
			title.HasPrefixRelation(querySlug, title.CanonicalSlug(variant), minPrefixSlugLen) {
			best = prefixFloor
		}
	}
	return best
}

// yearMatches reports whether the candidate's year is within 1 of the
// scraped year. A nil scraped year never matches (used only for
// tie-breaking and early exit when a year is known).
func yearMatches(a *Anime, scrapedYear *int) bool {
	if scrapedYear == nil {
		return false
	}
	year := a.EffectiveYear()
	return year != nil && abs(*year-*scrapedYear) <= 1
}

// dedupe removes duplicates and blanks, preserving order.
func dedupe(queries []string) []string {
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		if q == "" {
			continue
		}
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}
