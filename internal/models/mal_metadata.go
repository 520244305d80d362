package models

import (
	"time"

	"gorm.io/gorm"
)

// MALMetadata caches the catalogue record fetched from the MAL API for one
// anime, so discovery and validation do not re-query the upstream on every
// request.
type MALMetadata struct {
	BaseModel

	MALID int `gorm:"column:mal_id;not null;uniqueIndex" json:"mal_id"`

	Title         string  `gorm:"size:512" json:"title"`
	TitleEnglish  *string `gorm:"size:512" json:"title_english"`
	TitleJapanese *string `gorm:"size:512" json:"title_japanese"`

	Type     *string `gorm:"size:32" json:"type"`
	Status   *string `gorm:"size:64" json:"status"`
	Synopsis string  `gorm:"type:text" json:"synopsis"`

	Episodes *int     `json:"episodes"`
	Duration *string  `gorm:"size:64" json:"duration"`
	Year     *int     `json:"year"`
	Season   *string  `gorm:"size:16" json:"season"`
	Score    *float64 `json:"score"`
	Rank     *int     `json:"rank"`

	ImageURL      string `gorm:"size:1024" json:"image_url"`
	ImageURLLarge string `gorm:"size:1024" json:"image_url_large"`

	// Genres and Studios are comma-separated lists, denormalised for
	// display.
	Genres  string `gorm:"size:512" json:"genres"`
	Studios string `gorm:"size:512" json:"studios"`

	FetchedAt time.Time `json:"fetched_at"`
}

// TableName returns the table name for MALMetadata.
func (MALMetadata) TableName() string {
	return "mal_metadata"
}

// Validate performs basic validation on the metadata record.
func (m *MALMetadata) Validate() error {
	if m.MALID <= 0 {
		return ErrMALIDRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the record and generates a ULID.
func (m *MALMetadata) BeforeCreate(tx *gorm.DB) error {
	if err := m.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return m.Validate()
}
