package models

import (
	"fmt"
	"regexp"
	"time"

	"gorm.io/gorm"
)

// Provider identifies one scraped HTML provider.
type Provider string

const (
	// ProviderAnimasu is the animasu provider.
	ProviderAnimasu Provider = "animasu"
	// ProviderSamehadaku is the samehadaku provider.
	ProviderSamehadaku Provider = "samehadaku"
)

// AllProviders lists every known provider in scrape order.
var AllProviders = []Provider{ProviderAnimasu, ProviderSamehadaku}

// ValidProvider reports whether p names a known provider.
func ValidProvider(p Provider) bool {
	for _, known := range AllProviders {
		if p == known {
			return true
		}
	}
	return false
}

// phashPattern matches a 256-bit block hash encoded as hex.
var phashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Mapping is the identity record for one anime: a MAL id associated with
// zero-or-one slug per provider, plus the matching signals (perceptual
// hash, release year, episode count) that discovered it.
type Mapping struct {
	BaseModel

	MALID int `gorm:"column:mal_id;not null;uniqueIndex" json:"mal_id"`

	TitleMain string `gorm:"size:512" json:"title_main"`

	SlugAnimasu    *string `gorm:"size:255;index" json:"slug_animasu"`
	SlugSamehadaku *string `gorm:"size:255;index" json:"slug_samehadaku"`

	// PhashV1 is the 256-bit block-mean perceptual hash of the poster,
	// 64 lowercase hex chars, or null when no poster hashed cleanly.
	PhashV1 *string `gorm:"size:64;index" json:"phash_v1"`

	ReleaseYear   *int `json:"release_year"`
	TotalEpisodes *int `json:"total_episodes"`

	LastSync time.Time `json:"last_sync"`
}

// TableName returns the table name for Mapping.
func (Mapping) TableName() string {
	return "mappings"
}

// SlugFor returns the slug recorded for the given provider, or nil.
func (m *Mapping) SlugFor(p Provider) *string {
	switch p {
	case ProviderAnimasu:
		return m.SlugAnimasu
	case ProviderSamehadaku:
		return m.SlugSamehadaku
	}
	return nil
}

// SetSlug records a slug for the given provider.
func (m *Mapping) SetSlug(p Provider, slug string) {
	switch p {
	case ProviderAnimasu:
		m.SlugAnimasu = &slug
	case ProviderSamehadaku:
		m.SlugSamehadaku = &slug
	}
}

// Slugs returns the known provider slugs keyed by provider name.
func (m *Mapping) Slugs() map[string]*string {
	return map[string]*string{
		string(ProviderAnimasu):    m.SlugAnimasu,
		string(ProviderSamehadaku): m.SlugSamehadaku,
	}
}

// Validate performs basic validation on the mapping.
func (m *Mapping) Validate() error {
	if m.MALID <= 0 {
		return ErrMALIDRequired
	}
	if m.PhashV1 != nil && !phashPattern.MatchString(*m.PhashV1) {
		return fmt.Errorf("%w: %q", ErrInvalidPhash, *m.PhashV1)
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the mapping and generates a ULID.
func (m *Mapping) BeforeCreate(tx *gorm.DB) error {
	if err := m.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return m.Validate()
}

// BeforeUpdate is a GORM hook that validates the mapping before update.
func (m *Mapping) BeforeUpdate(tx *gorm.DB) error {
	return m.Validate()
}
