package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gorm.io/gorm"
)

// VideoStoreEntry records one durably archived video file and the URLs it
// is served from. One row per (mal_id, episode, provider, resolution),
// same identity convention as the queue.
type VideoStoreEntry struct {
	BaseModel

	MALID      int    `gorm:"column:mal_id;not null;uniqueIndex:idx_store_identity" json:"mal_id"`
	Episode    int    `gorm:"not null;uniqueIndex:idx_store_identity" json:"episode"`
	Provider   string `gorm:"size:32;not null;uniqueIndex:idx_store_identity" json:"provider"`
	Resolution string `gorm:"size:16;not null;default:'';uniqueIndex:idx_store_identity" json:"resolution"`

	// FileKey is the opaque 32-hex-char name the file is stored under.
	FileKey string `gorm:"size:64;not null" json:"file_key"`

	// AccountIndex identifies which storage account holds the primary copy.
	AccountIndex int `gorm:"not null;default:0" json:"account_index"`

	// RepoID names the storage repo holding the file.
	RepoID string `gorm:"size:255" json:"repo_id"`

	// Path is the file path inside the repo.
	Path string `gorm:"size:1024" json:"path"`

	// DirectURL is the public URL of the archived file.
	DirectURL string `gorm:"size:2048;not null" json:"direct_url"`

	// StreamURL is the proxied form of DirectURL.
	StreamURL string `gorm:"size:2048" json:"stream_url"`
}

// TableName returns the table name for VideoStoreEntry.
func (VideoStoreEntry) TableName() string {
	return "video_store"
}

// Validate performs basic validation on the store entry.
func (s *VideoStoreEntry) Validate() error {
	if s.MALID <= 0 {
		return ErrMALIDRequired
	}
	if s.Episode <= 0 {
		return ErrEpisodeRequired
	}
	if s.Provider == "" {
		return ErrProviderRequired
	}
	if s.FileKey == "" || s.DirectURL == "" {
		return fmt.Errorf("file_key and direct_url are required")
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the entry and generates a ULID.
func (s *VideoStoreEntry) BeforeCreate(tx *gorm.DB) error {
	if err := s.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return s.Validate()
}

// FileKey derives the deterministic storage name for a video: the first 32
// hex chars of SHA-256 over "salt:mal:episode:provider:resolution", with
// "unknown" standing in for an empty resolution. Salted so file names are
// not guessable from the public identity alone.
func FileKey(salt string, malID, episode int, provider, resolution string) string {
	if resolution == "" {
		resolution = "unknown"
	}
	raw := fmt.Sprintf("%s:%d:%d:%s:%s", salt, malID, episode, provider, resolution)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:32]
}
