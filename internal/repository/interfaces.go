// Package repository defines data access interfaces for anivault entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/danantara/anivault/internal/models"
)

// NearestPhashResult is one candidate from a perceptual-hash lookup.
type NearestPhashResult struct {
	Mapping  *models.Mapping
	Distance int
}

// MappingRepository defines operations for anime identity mappings.
type MappingRepository interface {
	// Create creates a new mapping.
	Create(ctx context.Context, mapping *models.Mapping) error
	// GetByMALID retrieves a mapping by MAL id, or nil when absent.
	GetByMALID(ctx context.Context, malID int) (*models.Mapping, error)
	// GetBySlug retrieves a mapping holding the given provider slug, or nil.
	GetBySlug(ctx context.Context, provider models.Provider, slug string) (*models.Mapping, error)
	// Upsert merges the given mapping into the row keyed by its MAL id.
	// Set fields on the incoming record overwrite; unset (nil) fields keep
	// whatever the stored row already has.
	Upsert(ctx context.Context, mapping *models.Mapping) (*models.Mapping, error)
	// FindNearestPhash returns the stored mapping whose hash is closest to
	// the given one, provided the distance is strictly below maxDistance.
	// Returns nil when no hashed row qualifies. Callers must re-verify the
	// distance themselves before trusting the match.
	FindNearestPhash(ctx context.Context, phash string, maxDistance int) (*NearestPhashResult, error)
}

// MALMetadataRepository defines operations for cached MAL catalogue records.
type MALMetadataRepository interface {
	// Upsert stores or refreshes the record keyed by its MAL id.
	Upsert(ctx context.Context, meta *models.MALMetadata) error
	// GetByMALID retrieves a cached record by MAL id, or nil when absent.
	GetByMALID(ctx context.Context, malID int) (*models.MALMetadata, error)
}

// VideoQueueRepository defines operations for the archival queue.
type VideoQueueRepository interface {
	// Enqueue upserts a job for the given identity. A ready job is left
	// alone, a failed job is re-armed as pending with the fresh URL, a
	// pending job gets its URL refreshed, and an active job is untouched.
	// Returns the row and whether a worker still has something to do.
	Enqueue(ctx context.Context, entry *models.VideoQueueEntry) (*models.VideoQueueEntry, bool, error)
	// ClaimPending atomically claims up to limit pending jobs, marking
	// them downloading. Concurrent workers never claim the same job.
	ClaimPending(ctx context.Context, limit int) ([]*models.VideoQueueEntry, error)
	// UpdateStatus transitions a claimed job. A failed transition records
	// the message and bumps the retry counter.
	UpdateStatus(ctx context.Context, id models.ULID, status models.VideoStatus, message string) error
	// ResetStale re-queues jobs claimed longer than maxAge ago, returning
	// how many were recovered.
	ResetStale(ctx context.Context, maxAge time.Duration) (int64, error)
	// GetByIdentity retrieves the job for one identity, or nil.
	GetByIdentity(ctx context.Context, malID, episode int, provider, resolution string) (*models.VideoQueueEntry, error)
	// CountsByStatus returns job counts per status.
	CountsByStatus(ctx context.Context) (map[models.VideoStatus]int64, error)
}

// VideoStoreRepository defines operations for archived video records.
type VideoStoreRepository interface {
	// UpsertStore records an archived file and, in the same transaction,
	// marks the matching queue job ready.
	UpsertStore(ctx context.Context, entry *models.VideoStoreEntry) error
	// GetByIdentity retrieves the entry for one identity, or nil.
	GetByIdentity(ctx context.Context, malID, episode int, provider, resolution string) (*models.VideoStoreEntry, error)
	// GetForEpisode retrieves every stored file for one episode.
	GetForEpisode(ctx context.Context, malID, episode int) ([]*models.VideoStoreEntry, error)
	// Count returns the number of archived files.
	Count(ctx context.Context) (int64, error)
}
