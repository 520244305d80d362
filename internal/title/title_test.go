package title

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"parenthetical removed", "Jigokuraku (Hell's Paradise)", "Jigokuraku"},
		{"sub indo affix", "One Piece Sub Indo", "One Piece"},
		{"batch affix", "Nonton Anime Naruto Batch", "Naruto"},
		{"straight quotes", `"Oshi no Ko"`, "Oshi no Ko"},
		{"curly quotes", "“Oshi no Ko”", "Oshi no Ko"},
		{"question exclamation", "Hataraku Maou-sama!!?", "Hataraku Maou-sama"},
		{"fullwidth exclamation", "Keion！", "Keion"},
		{"whitespace collapsed", "  Spy  x   Family ", "Spy x Family"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanTitle(tt.in))
		})
	}
}

func TestNormaliseSeason(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Jigokuraku Season 2", "Jigokuraku part 2"},
		{"Jigokuraku 2nd Season", "Jigokuraku part 2"},
		{"Jigokuraku S2", "Jigokuraku part 2"},
		{"Jigokuraku Cour 2", "Jigokuraku part 2"},
		{"Jigokuraku Part 2", "Jigokuraku part 2"},
		{"Mushoku Tensei Season 2 Cour 2", "Mushoku Tensei part 2 part 2"},
		{"No season here", "No season here"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormaliseSeason(tt.in))
		})
	}
}

func TestNormaliseSeason_SymmetricForms(t *testing.T) {
	forms := []string{
		"Jigokuraku Season 2",
		"Jigokuraku 2nd Season",
		"Jigokuraku s2",
		"Jigokuraku cour 2",
		"Jigokuraku part 2",
	}
	for _, a := range forms {
		for _, b := range forms {
			assert.Equal(t, NormaliseSeason(a), NormaliseSeason(b), "%q vs %q", a, b)
		}
	}
}

func TestCanonicalSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Jigokuraku 2nd Season", "jigokuraku-2nd-season"},
		{"Oshi no Ko: Part 2", "oshi-no-ko-part-2"},
		{"  Spy x Family  ", "spy-x-family"},
		{"Re:Zero − Starting Life", "re-zero-starting-life"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalSlug(tt.in))
		})
	}
}

func TestSeasonNumber(t *testing.T) {
	n, ok := SeasonNumber("Jigokuraku 2nd Season")
	assert.True(t, ok)
	assert.Equal(t, 2, n)

	n, ok = SeasonNumber("Jigokuraku s3")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = SeasonNumber("Jigokuraku")
	assert.False(t, ok)
}

func TestStripSeasonClause(t *testing.T) {
	assert.Equal(t, "Jigokuraku", StripSeasonClause("Jigokuraku Season 2"))
	assert.Equal(t, "Jigokuraku", StripSeasonClause("Jigokuraku 2nd Season Part 2"))
	assert.Equal(t, "Jigokuraku", StripSeasonClause("Jigokuraku"))
}

func TestSimilarity_Properties(t *testing.T) {
	pairs := [][2]string{
		{"jigokuraku", "jigokuraku"},
		{"jigokuraku", "jigokurako"},
		{"one piece", "two piece"},
		{"", "abc"},
		{"", ""},
	}
	for _, p := range pairs {
		s := Similarity(p[0], p[1])
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
		assert.Equal(t, s, Similarity(p[1], p[0]))
	}

	assert.Equal(t, 1.0, Similarity("jigokuraku", "jigokuraku"))
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("", "abc"))
}

func TestSimilarity_CaseInsensitive(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("Jigokuraku", "jigokuraku"))
}

func TestSimilarity_Values(t *testing.T) {
	// One substitution in a ten-rune title.
	assert.InDelta(t, 0.9, Similarity("jigokuraku", "jigokurako"), 1e-9)
}

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"anime", "anime", 0},
		{"鬼滅の刃", "鬼滅の刃2", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevenshteinDistance(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestHasPrefixRelation(t *testing.T) {
	assert.True(t, HasPrefixRelation("one-piece", "one-piece-film-red", 5))
	assert.True(t, HasPrefixRelation("one-piece-film-red", "one-piece", 5))
	assert.True(t, HasPrefixRelation("one-piece", "one-piece", 5))
	assert.False(t, HasPrefixRelation("one-piecex", "one-piece", 5))
	assert.False(t, HasPrefixRelation("one", "one-piece", 5))
}
