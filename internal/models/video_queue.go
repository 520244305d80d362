package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// VideoStatus represents the lifecycle state of an archival job.
type VideoStatus string

const (
	// VideoStatusPending means the job is waiting to be claimed by a worker.
	VideoStatusPending VideoStatus = "pending"
	// VideoStatusDownloading means a worker is fetching the source video.
	VideoStatusDownloading VideoStatus = "downloading"
	// VideoStatusUploading means the video is being pushed to durable storage.
	VideoStatusUploading VideoStatus = "uploading"
	// VideoStatusReady means the video is durably stored and servable.
	VideoStatusReady VideoStatus = "ready"
	// VideoStatusFailed means the last attempt errored; a later enqueue
	// with a fresh URL re-arms the job.
	VideoStatusFailed VideoStatus = "failed"
)

// IsValid reports whether the status is one of the known states.
func (s VideoStatus) IsValid() bool {
	switch s {
	case VideoStatusPending, VideoStatusDownloading, VideoStatusUploading,
		VideoStatusReady, VideoStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status is an end state.
func (s VideoStatus) IsTerminal() bool {
	return s == VideoStatusReady || s == VideoStatusFailed
}

// IsActive reports whether a worker currently owns the job.
func (s VideoStatus) IsActive() bool {
	return s == VideoStatusDownloading || s == VideoStatusUploading
}

// VideoQueueEntry is one archival job: a (mal_id, episode, provider,
// resolution) identity plus the source URL to download from. Resolution is
// stored as "" when the source did not advertise one, keeping the unique
// index well-defined across database drivers.
type VideoQueueEntry struct {
	BaseModel

	MALID    int    `gorm:"column:mal_id;not null;uniqueIndex:idx_queue_identity" json:"mal_id"`
	Episode  int    `gorm:"not null;uniqueIndex:idx_queue_identity" json:"episode"`
	Provider string `gorm:"size:32;not null;uniqueIndex:idx_queue_identity" json:"provider"`
	// Resolution like "720p"; empty string means unknown.
	Resolution string `gorm:"size:16;not null;default:'';uniqueIndex:idx_queue_identity" json:"resolution"`

	// VideoURL is the most recently resolved source URL. Refreshed on
	// re-enqueue because host URLs expire.
	VideoURL string `gorm:"size:2048;not null" json:"video_url"`

	Status       VideoStatus `gorm:"size:16;not null;default:'pending';index" json:"status"`
	RetryCount   int         `gorm:"not null;default:0" json:"retry_count"`
	ErrorMessage *string     `gorm:"size:1024" json:"error_message"`

	// ClaimedAt records when a worker took the job; used to recover jobs
	// from workers that died mid-run.
	ClaimedAt *time.Time `json:"claimed_at"`
}

// TableName returns the table name for VideoQueueEntry.
func (VideoQueueEntry) TableName() string {
	return "video_queue"
}

// Validate performs basic validation on the queue entry.
func (q *VideoQueueEntry) Validate() error {
	if q.MALID <= 0 {
		return ErrMALIDRequired
	}
	if q.Episode <= 0 {
		return ErrEpisodeRequired
	}
	if q.Provider == "" {
		return ErrProviderRequired
	}
	if q.VideoURL == "" {
		return ErrVideoURLRequired
	}
	if !q.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", q.Status)
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the entry and generates a ULID.
func (q *VideoQueueEntry) BeforeCreate(tx *gorm.DB) error {
	if err := q.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if q.Status == "" {
		q.Status = VideoStatusPending
	}
	return q.Validate()
}

// MarkFailed transitions the entry to failed, recording the error and
// bumping the retry counter.
func (q *VideoQueueEntry) MarkFailed(message string) {
	q.Status = VideoStatusFailed
	q.RetryCount++
	q.ErrorMessage = &message
	q.ClaimedAt = nil
}

// ResolutionOrUnknown returns the resolution label used in file keys.
func (q *VideoQueueEntry) ResolutionOrUnknown() string {
	if q.Resolution == "" {
		return "unknown"
	}
	return q.Resolution
}
