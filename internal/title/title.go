// Package title normalises anime titles for cross-provider matching.
//
// Providers, MAL, and scrapers disagree on punctuation, season notation,
// and localisation affixes. Matching runs Levenshtein similarity over
// titles reduced by CleanTitle and NormaliseSeason; slugs use
// CanonicalSlug.
package title

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	parentheticalRe = regexp.MustCompile(`\([^)]*\)`)
	affixRe         = regexp.MustCompile(`(?i)\b(sub\s*indo|batch|nonton\s*anime)\b`)
	whitespaceRe    = regexp.MustCompile(`\s+`)

	// Season notations all reduced to "part N".
	courRe          = regexp.MustCompile(`(?i)\bcour\s*(\d+)\b`)
	seasonRe        = regexp.MustCompile(`(?i)\bseason\s*(\d+)\b`)
	ordinalSeasonRe = regexp.MustCompile(`(?i)\b(\d+)(?:st|nd|rd|th)\s+season\b`)
	shortSeasonRe   = regexp.MustCompile(`(?i)\bs(\d+)\b`)
	partRe          = regexp.MustCompile(`(?i)\bpart\s*(\d+)\b`)

	slugInvalidRe = regexp.MustCompile(`[^a-z0-9]+`)
)

// strippedPunctuation is the closed set of punctuation removed by
// CleanTitle. Long titles differing only in quote or exclamation
// conventions otherwise fall marginally below the similarity threshold.
const strippedPunctuation = "\"'‘’“”〝〞＂＇?!！"

// CleanTitle strips parentheticals, scrape-site affixes, and a closed set
// of punctuation, then collapses whitespace.
func CleanTitle(s string) string {
	s = parentheticalRe.ReplaceAllString(s, " ")
	s = affixRe.ReplaceAllString(s, " ")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(strippedPunctuation, r) {
			continue
		}
		b.WriteRune(r)
	}

	return strings.TrimSpace(whitespaceRe.ReplaceAllString(b.String(), " "))
}

// NormaliseSeason rewrites every season/cour notation into a canonical
// "part N" suffix. Applied symmetrically to both sides of a comparison.
func NormaliseSeason(s string) string {
	replace := func(re *regexp.Regexp, s string) string {
		return re.ReplaceAllStringFunc(s, func(m string) string {
			digits := re.FindStringSubmatch(m)[1]
			n, err := strconv.Atoi(digits)
			if err != nil {
				return m
			}
			return "part " + strconv.Itoa(n)
		})
	}

	s = replace(courRe, s)
	s = replace(ordinalSeasonRe, s)
	s = replace(seasonRe, s)
	s = replace(shortSeasonRe, s)
	s = replace(partRe, s)
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// CanonicalSlug lowercases and reduces a title to hyphen-separated
// alphanumeric runs.
func CanonicalSlug(s string) string {
	s = strings.ToLower(CleanTitle(s))
	s = slugInvalidRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// SeasonNumber extracts the season number from a title, if any notation is
// present. The second return reports whether one was found.
func SeasonNumber(s string) (int, bool) {
	for _, re := range []*regexp.Regexp{courRe, ordinalSeasonRe, seasonRe, shortSeasonRe, partRe} {
		if m := re.FindStringSubmatch(s); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// StripSeasonClause removes the first season/cour/part clause and
// everything after it, yielding the base franchise title.
func StripSeasonClause(s string) string {
	lowest := -1
	for _, re := range []*regexp.Regexp{courRe, ordinalSeasonRe, seasonRe, shortSeasonRe, partRe} {
		if loc := re.FindStringIndex(s); loc != nil {
			if lowest == -1 || loc[0] < lowest {
				lowest = loc[0]
			}
		}
	}
	if lowest == -1 {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[:lowest])
}

// Similarity returns a [0,1] score: (len_longer - levenshtein) /
// len_longer over runes, case-insensitive. Two empty strings score 1.
func Similarity(a, b string) float64 {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))

	longer := len(ra)
	if len(rb) > longer {
		longer = len(rb)
	}
	if longer == 0 {
		return 1
	}

	return float64(longer-levenshtein(ra, rb)) / float64(longer)
}

// LevenshteinDistance returns the edit distance between two strings,
// computed over runes.
func LevenshteinDistance(a, b string) int {
	return levenshtein([]rune(a), []rune(b))
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// HasPrefixRelation reports whether one slug extends the other with a
// hyphen boundary, e.g. "one-piece" and "one-piece-film-red". Requires the
// shorter side to be at least minLen to avoid trivial matches.
func HasPrefixRelation(a, b string, minLen int) bool {
	shorter, longer := a, b
	if len(a) > len(b) {
		shorter, longer = b, a
	}
	if len(shorter) < minLen {
		return false
	}
	if shorter == longer {
		return true
	}
	return strings.HasPrefix(longer, shorter+"-")
}

// IsASCIIPrintable reports whether a title is plain ASCII; used to prefer
// romaji variants when ordering search queries.
func IsASCIIPrintable(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
