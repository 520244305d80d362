package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/danantara/anivault/internal/models"
)

// videoStoreRepo implements VideoStoreRepository using GORM.
type videoStoreRepo struct {
	db *gorm.DB
}

// NewVideoStoreRepository creates a new VideoStoreRepository.
func NewVideoStoreRepository(db *gorm.DB) *videoStoreRepo {
	return &videoStoreRepo{db: db}
}

// UpsertStore records an archived file and promotes the matching queue job
// to ready in the same transaction, so a store row and a non-ready queue
// row for the same identity can never coexist.
func (r *videoStoreRepo) UpsertStore(ctx context.Context, entry *models.VideoStoreEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.VideoStoreEntry
		err := tx.
			Where("mal_id = ? AND episode = ? AND provider = ? AND resolution = ?",
				entry.MALID, entry.Episode, entry.Provider, entry.Resolution).
			First(&existing).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("creating store entry: %w", err)
			}
		case err != nil:
			return fmt.Errorf("loading store entry: %w", err)
		default:
			existing.FileKey = entry.FileKey
			existing.AccountIndex = entry.AccountIndex
			existing.RepoID = entry.RepoID
			existing.Path = entry.Path
			existing.DirectURL = entry.DirectURL
			existing.StreamURL = entry.StreamURL
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("updating store entry: %w", err)
			}
			*entry = existing
		}

		err = tx.Model(&models.VideoQueueEntry{}).
			Where("mal_id = ? AND episode = ? AND provider = ? AND resolution = ?",
				entry.MALID, entry.Episode, entry.Provider, entry.Resolution).
			Updates(map[string]any{
				"status":        models.VideoStatusReady,
				"error_message": nil,
				"claimed_at":    nil,
			}).Error
		if err != nil {
			return fmt.Errorf("promoting queue entry: %w", err)
		}
		return nil
	})
}

// GetByIdentity retrieves the store entry for one identity.
func (r *videoStoreRepo) GetByIdentity(ctx context.Context, malID, episode int, provider, resolution string) (*models.VideoStoreEntry, error) {
	var entry models.VideoStoreEntry
	err := r.db.WithContext(ctx).
		Where("mal_id = ? AND episode = ? AND provider = ? AND resolution = ?",
			malID, episode, provider, resolution).
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting store entry: %w", err)
	}
	return &entry, nil
}

// GetForEpisode retrieves every stored file for one episode.
func (r *videoStoreRepo) GetForEpisode(ctx context.Context, malID, episode int) ([]*models.VideoStoreEntry, error) {
	var entries []*models.VideoStoreEntry
	err := r.db.WithContext(ctx).
		Where("mal_id = ? AND episode = ?", malID, episode).
		Order("provider ASC, resolution ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("getting store entries for episode: %w", err)
	}
	return entries, nil
}

// Count returns the number of archived files.
func (r *videoStoreRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.VideoStoreEntry{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting store entries: %w", err)
	}
	return count, nil
}
