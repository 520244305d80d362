package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/danantara/anivault/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&models.Mapping{},
		&models.MALMetadata{},
		&models.VideoQueueEntry{},
		&models.VideoStoreEntry{},
	)
	require.NoError(t, err)

	return db
}

func TestMappingRepo_CreateAndLookups(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()

	mapping := &models.Mapping{
		MALID:       55825,
		TitleMain:   "Jigokuraku 2nd Season",
		SlugAnimasu: models.StrPtr("jigokuraku-s2"),
	}
	require.NoError(t, repo.Create(ctx, mapping))
	assert.False(t, mapping.ID.IsZero())
	assert.False(t, mapping.LastSync.IsZero())

	byMAL, err := repo.GetByMALID(ctx, 55825)
	require.NoError(t, err)
	require.NotNil(t, byMAL)
	assert.Equal(t, "Jigokuraku 2nd Season", byMAL.TitleMain)

	bySlug, err := repo.GetBySlug(ctx, models.ProviderAnimasu, "jigokuraku-s2")
	require.NoError(t, err)
	require.NotNil(t, bySlug)
	assert.Equal(t, 55825, bySlug.MALID)

	missing, err := repo.GetBySlug(ctx, models.ProviderSamehadaku, "jigokuraku-s2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	missing, err = repo.GetByMALID(ctx, 999999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMappingRepo_UpsertCoalesces(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()

	hash := "00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff"

	first, err := repo.Upsert(ctx, &models.Mapping{
		MALID:       55825,
		TitleMain:   "Jigokuraku 2nd Season",
		SlugAnimasu: models.StrPtr("jigokuraku-s2"),
		PhashV1:     models.StrPtr(hash),
		ReleaseYear: models.IntPtr(2026),
	})
	require.NoError(t, err)
	firstSync := first.LastSync

	// A later partial write for the other provider must not erase the
	// slug, hash, or year learned earlier.
	second, err := repo.Upsert(ctx, &models.Mapping{
		MALID:          55825,
		SlugSamehadaku: models.StrPtr("jigokuraku-season-2"),
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Jigokuraku 2nd Season", second.TitleMain)
	require.NotNil(t, second.SlugAnimasu)
	assert.Equal(t, "jigokuraku-s2", *second.SlugAnimasu)
	require.NotNil(t, second.SlugSamehadaku)
	assert.Equal(t, "jigokuraku-season-2", *second.SlugSamehadaku)
	require.NotNil(t, second.PhashV1)
	assert.Equal(t, hash, *second.PhashV1)
	require.NotNil(t, second.ReleaseYear)
	assert.Equal(t, 2026, *second.ReleaseYear)
	assert.False(t, second.LastSync.Before(firstSync))

	var count int64
	require.NoError(t, db.Model(&models.Mapping{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestMappingRepo_FindNearestPhash(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()

	near := "00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff"
	// Differs from near in the first nibble only (2 bits).
	probe := "0cff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff"
	far := "ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00"

	require.NoError(t, repo.Create(ctx, &models.Mapping{MALID: 1, PhashV1: models.StrPtr(near)}))
	require.NoError(t, repo.Create(ctx, &models.Mapping{MALID: 2, PhashV1: models.StrPtr(far)}))
	require.NoError(t, repo.Create(ctx, &models.Mapping{MALID: 3}))

	result, err := repo.FindNearestPhash(ctx, probe, 5)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Mapping.MALID)
	assert.Equal(t, 2, result.Distance)

	// Exact threshold is excluded: distance must be strictly less.
	result, err = repo.FindNearestPhash(ctx, probe, 2)
	require.NoError(t, err)
	assert.Nil(t, result)

	result, err = repo.FindNearestPhash(ctx, far, 5)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Mapping.MALID)
	assert.Equal(t, 0, result.Distance)
}

func TestMALMetadataRepo_Upsert(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMALMetadataRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &models.MALMetadata{
		MALID: 55825,
		Title: "Jigokuraku 2nd Season",
		Year:  models.IntPtr(2026),
	}))

	// Metadata is authoritative: a refresh overwrites wholesale.
	require.NoError(t, repo.Upsert(ctx, &models.MALMetadata{
		MALID:    55825,
		Title:    "Hell's Paradise Season 2",
		Episodes: models.IntPtr(13),
	}))

	meta, err := repo.GetByMALID(ctx, 55825)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "Hell's Paradise Season 2", meta.Title)
	assert.Nil(t, meta.Year)
	require.NotNil(t, meta.Episodes)
	assert.Equal(t, 13, *meta.Episodes)

	var count int64
	require.NoError(t, db.Model(&models.MALMetadata{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestQueueRepo_EnqueueStateMachine(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVideoQueueRepository(db)
	ctx := context.Background()

	entry := func(url string) *models.VideoQueueEntry {
		return &models.VideoQueueEntry{
			MALID:      55825,
			Episode:    1,
			Provider:   "animasu",
			Resolution: "720p",
			VideoURL:   url,
		}
	}

	first, actionable, err := repo.Enqueue(ctx, entry("https://a/"))
	require.NoError(t, err)
	assert.True(t, actionable)
	assert.Equal(t, models.VideoStatusPending, first.Status)

	// Idempotent: a second enqueue reuses the same row.
	second, _, err := repo.Enqueue(ctx, entry("https://a/"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&models.VideoQueueEntry{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// failed -> pending with the fresh URL.
	require.NoError(t, repo.UpdateStatus(ctx, first.ID, models.VideoStatusFailed, "err"))
	revived, actionable, err := repo.Enqueue(ctx, entry("https://b/"))
	require.NoError(t, err)
	assert.True(t, actionable)
	assert.Equal(t, models.VideoStatusPending, revived.Status)
	assert.Equal(t, "https://b/", revived.VideoURL)
	assert.Nil(t, revived.ErrorMessage)

	// ready -> no-op even with a new URL.
	require.NoError(t, db.Model(&models.VideoQueueEntry{}).
		Where("id = ?", first.ID).
		Update("status", models.VideoStatusReady).Error)
	done, actionable, err := repo.Enqueue(ctx, entry("https://c/"))
	require.NoError(t, err)
	assert.False(t, actionable)
	assert.Equal(t, models.VideoStatusReady, done.Status)
	assert.Equal(t, "https://b/", done.VideoURL)
}

func TestQueueRepo_ResolutionDistinguishesRows(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVideoQueueRepository(db)
	ctx := context.Background()

	for _, res := range []string{"720p", "480p", ""} {
		_, _, err := repo.Enqueue(ctx, &models.VideoQueueEntry{
			MALID:      55825,
			Episode:    1,
			Provider:   "animasu",
			Resolution: res,
			VideoURL:   "https://a/",
		})
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, db.Model(&models.VideoQueueEntry{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestQueueRepo_ClaimPending(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVideoQueueRepository(db)
	ctx := context.Background()

	for ep := 1; ep <= 3; ep++ {
		_, _, err := repo.Enqueue(ctx, &models.VideoQueueEntry{
			MALID:    55825,
			Episode:  ep,
			Provider: "animasu",
			VideoURL: "https://a/",
		})
		require.NoError(t, err)
	}

	claimed, err := repo.ClaimPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, job := range claimed {
		assert.Equal(t, models.VideoStatusDownloading, job.Status)
		assert.NotNil(t, job.ClaimedAt)
	}

	// A second claim only sees what the first left behind.
	rest, err := repo.ClaimPending(ctx, 5)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	for _, job := range claimed {
		assert.NotEqual(t, job.ID, rest[0].ID)
	}

	none, err := repo.ClaimPending(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueueRepo_UpdateStatusFailedCountsRetries(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVideoQueueRepository(db)
	ctx := context.Background()

	job, _, err := repo.Enqueue(ctx, &models.VideoQueueEntry{
		MALID:    55825,
		Episode:  1,
		Provider: "samehadaku",
		VideoURL: "https://a/",
	})
	require.NoError(t, err)

	require.NoError(t, repo.UpdateStatus(ctx, job.ID, models.VideoStatusFailed, "timeout"))
	require.NoError(t, repo.UpdateStatus(ctx, job.ID, models.VideoStatusFailed, "reset by peer"))

	got, err := repo.GetByIdentity(ctx, 55825, 1, "samehadaku", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.VideoStatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "reset by peer", *got.ErrorMessage)
}

func TestQueueRepo_ResetStale(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVideoQueueRepository(db)
	ctx := context.Background()

	job, _, err := repo.Enqueue(ctx, &models.VideoQueueEntry{
		MALID:    55825,
		Episode:  1,
		Provider: "animasu",
		VideoURL: "https://a/",
	})
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-3 * time.Hour)
	require.NoError(t, db.Model(&models.VideoQueueEntry{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":     models.VideoStatusDownloading,
			"claimed_at": stale,
		}).Error)

	n, err := repo.ResetStale(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetByIdentity(ctx, 55825, 1, "animasu", "")
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusPending, got.Status)
	assert.Nil(t, got.ClaimedAt)

	// A fresh claim is left alone.
	_, err = repo.ClaimPending(ctx, 1)
	require.NoError(t, err)
	n, err = repo.ResetStale(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueRepo_CountsByStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVideoQueueRepository(db)
	ctx := context.Background()

	for ep := 1; ep <= 2; ep++ {
		_, _, err := repo.Enqueue(ctx, &models.VideoQueueEntry{
			MALID:    55825,
			Episode:  ep,
			Provider: "animasu",
			VideoURL: "https://a/",
		})
		require.NoError(t, err)
	}

	counts, err := repo.CountsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.VideoStatusPending])
}

func TestStoreRepo_UpsertPromotesQueue(t *testing.T) {
	db := setupTestDB(t)
	queueRepo := NewVideoQueueRepository(db)
	storeRepo := NewVideoStoreRepository(db)
	ctx := context.Background()

	job, _, err := queueRepo.Enqueue(ctx, &models.VideoQueueEntry{
		MALID:      55825,
		Episode:    1,
		Provider:   "animasu",
		Resolution: "720p",
		VideoURL:   "https://cdn/v.mp4",
	})
	require.NoError(t, err)

	entry := &models.VideoStoreEntry{
		MALID:      55825,
		Episode:    1,
		Provider:   "animasu",
		Resolution: "720p",
		FileKey:    models.FileKey("salt", 55825, 1, "animasu", "720p"),
		RepoID:     "acme/anivault-storage",
		Path:       "av-55825/55825/ep1/abc.mp4",
		DirectURL:  "https://store/abc.mp4",
		StreamURL:  "https://proxy/proxy?url=https%3A%2F%2Fstore%2Fabc.mp4",
	}
	require.NoError(t, storeRepo.UpsertStore(ctx, entry))

	promoted, err := queueRepo.GetByIdentity(ctx, 55825, 1, "animasu", "720p")
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusReady, promoted.Status)
	assert.Equal(t, job.ID, promoted.ID)

	// Replacing the file keeps one row and refreshes the URLs.
	entry2 := *entry
	entry2.BaseModel = models.BaseModel{}
	entry2.DirectURL = "https://store2/abc.mp4"
	entry2.AccountIndex = 1
	require.NoError(t, storeRepo.UpsertStore(ctx, &entry2))

	var count int64
	require.NoError(t, db.Model(&models.VideoStoreEntry{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	got, err := storeRepo.GetByIdentity(ctx, 55825, 1, "animasu", "720p")
	require.NoError(t, err)
	assert.Equal(t, "https://store2/abc.mp4", got.DirectURL)
	assert.Equal(t, 1, got.AccountIndex)

	all, err := storeRepo.GetForEpisode(ctx, 55825, 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
