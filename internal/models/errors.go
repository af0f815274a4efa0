package models

import "errors"

// Common validation and catalog errors.
var (
	// ErrInvalidVideoID indicates a value that is not a canonical
	// 11-character video ID.
	ErrInvalidVideoID = errors.New("invalid video id")

	// ErrFilePathRequired indicates a required file path field is empty.
	ErrFilePathRequired = errors.New("file_path is required")

	// ErrInvalidSource indicates a source outside {subscription, manual}.
	ErrInvalidSource = errors.New("invalid source: must be 'subscription' or 'manual'")

	// ErrUserIDRequired indicates a required user ID field is empty.
	ErrUserIDRequired = errors.New("user_id is required")

	// ErrChannelIDRequired indicates a required channel ID field is empty.
	ErrChannelIDRequired = errors.New("channel_id is required")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateQueueItem indicates the video is already queued in a
	// non-terminal state.
	ErrDuplicateQueueItem = errors.New("video already queued")
)
