package models

import "errors"

// Validation errors shared across models.
var (
	// ErrMALIDRequired indicates a record is missing its MAL id.
	ErrMALIDRequired = errors.New("mal_id is required")
	// ErrInvalidPhash indicates a perceptual hash is not 64 lowercase hex chars.
	ErrInvalidPhash = errors.New("phash_v1 must be 64 lowercase hex chars")
	// ErrEpisodeRequired indicates a record is missing its episode number.
	ErrEpisodeRequired = errors.New("episode must be positive")
	// ErrProviderRequired indicates a record names no provider.
	ErrProviderRequired = errors.New("provider is required")
	// ErrVideoURLRequired indicates a queue entry has no download URL.
	ErrVideoURLRequired = errors.New("video_url is required")
)
