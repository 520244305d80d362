package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/danantara/anivault/internal/models"
)

// videoQueueRepo implements VideoQueueRepository using GORM.
type videoQueueRepo struct {
	db *gorm.DB
}

// NewVideoQueueRepository creates a new VideoQueueRepository.
func NewVideoQueueRepository(db *gorm.DB) *videoQueueRepo {
	return &videoQueueRepo{db: db}
}

// Enqueue upserts an archival job for the entry's identity.
//
// State machine on an existing row:
//   - ready: already archived, nothing to do
//   - failed: re-arm as pending with the fresh URL (host URLs expire)
//   - pending: refresh the URL so the worker downloads a live one
//   - downloading/uploading: a worker owns it, leave it alone
func (r *videoQueueRepo) Enqueue(ctx context.Context, entry *models.VideoQueueEntry) (*models.VideoQueueEntry, bool, error) {
	var (
		result     *models.VideoQueueEntry
		actionable bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.VideoQueueEntry
		err := tx.
			Where("mal_id = ? AND episode = ? AND provider = ? AND resolution = ?",
				entry.MALID, entry.Episode, entry.Provider, entry.Resolution).
			First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			entry.Status = models.VideoStatusPending
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("creating queue entry: %w", err)
			}
			result = entry
			actionable = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading queue entry: %w", err)
		}

		switch existing.Status {
		case models.VideoStatusReady:
			result = &existing
			return nil
		case models.VideoStatusFailed:
			existing.Status = models.VideoStatusPending
			existing.VideoURL = entry.VideoURL
			existing.ErrorMessage = nil
			existing.ClaimedAt = nil
			actionable = true
		case models.VideoStatusPending:
			existing.VideoURL = entry.VideoURL
			actionable = true
		default:
			// A worker owns it; the claim carried a fresh-enough URL.
			result = &existing
			actionable = true
			return nil
		}

		if err := tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("updating queue entry: %w", err)
		}
		result = &existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, actionable, nil
}

// ClaimPending atomically claims up to limit pending jobs for this worker.
// Uses SELECT FOR UPDATE with SKIP LOCKED for safe concurrent access.
func (r *videoQueueRepo) ClaimPending(ctx context.Context, limit int) ([]*models.VideoQueueEntry, error) {
	var claimed []*models.VideoQueueEntry
	now := time.Now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []*models.VideoQueueEntry
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.VideoStatusPending).
			Order("created_at ASC").
			Limit(limit).
			Find(&pending).Error
		if err != nil {
			return fmt.Errorf("finding pending jobs: %w", err)
		}

		for _, job := range pending {
			job.Status = models.VideoStatusDownloading
			job.ClaimedAt = &now
			if err := tx.Save(job).Error; err != nil {
				return fmt.Errorf("claiming job: %w", err)
			}
		}
		claimed = pending
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateStatus transitions a job. Failed transitions record the message and
// bump the retry counter; terminal transitions release the claim.
func (r *videoQueueRepo) UpdateStatus(ctx context.Context, id models.ULID, status models.VideoStatus, message string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid status: %s", status)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.VideoQueueEntry
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			return fmt.Errorf("loading job: %w", err)
		}

		switch status {
		case models.VideoStatusFailed:
			job.MarkFailed(message)
		case models.VideoStatusReady:
			job.Status = models.VideoStatusReady
			job.ErrorMessage = nil
			job.ClaimedAt = nil
		default:
			job.Status = status
		}

		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("updating job status: %w", err)
		}
		return nil
	})
}

// ResetStale re-queues jobs whose worker disappeared mid-run.
func (r *videoQueueRepo) ResetStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	result := r.db.WithContext(ctx).
		Model(&models.VideoQueueEntry{}).
		Where("status IN ? AND claimed_at < ?",
			[]models.VideoStatus{models.VideoStatusDownloading, models.VideoStatusUploading}, cutoff).
		Updates(map[string]any{
			"status":     models.VideoStatusPending,
			"claimed_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("resetting stale jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// GetByIdentity retrieves the job for one identity.
func (r *videoQueueRepo) GetByIdentity(ctx context.Context, malID, episode int, provider, resolution string) (*models.VideoQueueEntry, error) {
	var job models.VideoQueueEntry
	err := r.db.WithContext(ctx).
		Where("mal_id = ? AND episode = ? AND provider = ? AND resolution = ?",
			malID, episode, provider, resolution).
		First(&job).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting queue entry: %w", err)
	}
	return &job, nil
}

// CountsByStatus returns job counts per status.
func (r *videoQueueRepo) CountsByStatus(ctx context.Context) (map[models.VideoStatus]int64, error) {
	type row struct {
		Status models.VideoStatus
		Count  int64
	}
	var rows []row

	err := r.db.WithContext(ctx).
		Model(&models.VideoQueueEntry{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting jobs by status: %w", err)
	}

	counts := make(map[models.VideoStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
