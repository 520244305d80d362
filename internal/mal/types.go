// Package mal provides a throttled Jikan (MyAnimeList) client with a
// fuzzy-pick search helper and the metadata-validation gate used by the
// mapping resolver.
package mal

import (
	"strings"

	"github.com/danantara/anivault/internal/models"
)

// Anime is the subset of the Jikan anime object anivault consumes.
type Anime struct {
	MALID         int         `json:"mal_id"`
	Title         string      `json:"title"`
	TitleEnglish  *string     `json:"title_english"`
	TitleJapanese *string     `json:"title_japanese"`
	Type          *string     `json:"type"`
	Episodes      *int        `json:"episodes"`
	Status        *string     `json:"status"`
	Duration      *string     `json:"duration"`
	Year          *int        `json:"year"`
	Season        *string     `json:"season"`
	Score         *float64    `json:"score"`
	Rank          *int        `json:"rank"`
	Synopsis      string      `json:"synopsis"`
	Images        animeImages `json:"images"`
	Aired         aired       `json:"aired"`
	Genres        []namedRef  `json:"genres"`
	Studios       []namedRef  `json:"studios"`
}

type animeImages struct {
	JPG  imageSet `json:"jpg"`
	WebP imageSet `json:"webp"`
}

type imageSet struct {
	ImageURL      string `json:"image_url"`
	LargeImageURL string `json:"large_image_url"`
}

type aired struct {
	Prop airedProp `json:"prop"`
}

type airedProp struct {
	From airedDate `json:"from"`
}

type airedDate struct {
	Year *int `json:"year"`
}

type namedRef struct {
	MALID int    `json:"mal_id"`
	Name  string `json:"name"`
}

// EffectiveYear returns the release year, falling back to the aired range
// when the top-level year field is null (common for older entries).
func (a *Anime) EffectiveYear() *int {
	if a.Year != nil {
		return a.Year
	}
	return a.Aired.Prop.From.Year
}

// TitleVariants returns the known titles, most useful first, without
// blanks.
func (a *Anime) TitleVariants() []string {
	variants := make([]string, 0, 3)
	if a.Title != "" {
		variants = append(variants, a.Title)
	}
	if a.TitleEnglish != nil && *a.TitleEnglish != "" {
		variants = append(variants, *a.TitleEnglish)
	}
	if a.TitleJapanese != nil && *a.TitleJapanese != "" {
		variants = append(variants, *a.TitleJapanese)
	}
	return variants
}

// ImageURL returns the best available poster URL.
func (a *Anime) ImageURL() string {
	if a.Images.JPG.LargeImageURL != "" {
		return a.Images.JPG.LargeImageURL
	}
	return a.Images.JPG.ImageURL
}

// ToMetadata converts the Jikan record into its persistent form.
func (a *Anime) ToMetadata() *models.MALMetadata {
	return &models.MALMetadata{
		MALID:         a.MALID,
		Title:         a.Title,
		TitleEnglish:  a.TitleEnglish,
		TitleJapanese: a.TitleJapanese,
		Type:          a.Type,
		Status:        a.Status,
		Synopsis:      a.Synopsis,
		Episodes:      a.Episodes,
		Duration:      a.Duration,
		Year:          a.EffectiveYear(),
		Season:        a.Season,
		Score:         a.Score,
		Rank:          a.Rank,
		ImageURL:      a.Images.JPG.ImageURL,
		ImageURLLarge: a.Images.JPG.LargeImageURL,
		Genres:        joinNames(a.Genres),
		Studios:       joinNames(a.Studios),
	}
}

// FromMetadata rebuilds the Jikan-shaped record from its persistent
// form, so warm lookups serve the same response body without an
// upstream call.
func FromMetadata(m *models.MALMetadata) *Anime {
	a := &Anime{
		MALID:         m.MALID,
		Title:         m.Title,
		TitleEnglish:  m.TitleEnglish,
		TitleJapanese: m.TitleJapanese,
		Type:          m.Type,
		Status:        m.Status,
		Synopsis:      m.Synopsis,
		Episodes:      m.Episodes,
		Duration:      m.Duration,
		Year:          m.Year,
		Season:        m.Season,
		Score:         m.Score,
		Rank:          m.Rank,
	}
	a.Images.JPG.ImageURL = m.ImageURL
	a.Images.JPG.LargeImageURL = m.ImageURLLarge
	a.Genres = splitNames(m.Genres)
	a.Studios = splitNames(m.Studios)
	return a
}

func joinNames(refs []namedRef) string {
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}
	return strings.Join(names, ", ")
}

func splitNames(joined string) []namedRef {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ", ")
	refs := make([]namedRef, 0, len(parts))
	for _, p := range parts {
		refs = append(refs, namedRef{Name: p})
	}
	return refs
}
