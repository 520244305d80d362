package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/danantara/anivault/internal/models"
)

// malMetadataRepo implements MALMetadataRepository using GORM.
type malMetadataRepo struct {
	db *gorm.DB
}

// NewMALMetadataRepository creates a new MALMetadataRepository.
func NewMALMetadataRepository(db *gorm.DB) *malMetadataRepo {
	return &malMetadataRepo{db: db}
}

// Upsert stores or refreshes the record keyed by its MAL id.
func (r *malMetadataRepo) Upsert(ctx context.Context, meta *models.MALMetadata) error {
	meta.FetchedAt = time.Now().UTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.MALMetadata
		err := tx.Where("mal_id = ?", meta.MALID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			if err := tx.Create(meta).Error; err != nil {
				return fmt.Errorf("creating MAL metadata: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading MAL metadata for upsert: %w", err)
		}

		meta.ID = existing.ID
		meta.CreatedAt = existing.CreatedAt
		if err := tx.Save(meta).Error; err != nil {
			return fmt.Errorf("updating MAL metadata: %w", err)
		}
		return nil
	})
}

// GetByMALID retrieves a cached record by MAL id.
func (r *malMetadataRepo) GetByMALID(ctx context.Context, malID int) (*models.MALMetadata, error) {
	var meta models.MALMetadata
	if err := r.db.WithContext(ctx).Where("mal_id = ?", malID).First(&meta).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting MAL metadata: %w", err)
	}
	return &meta, nil
}
