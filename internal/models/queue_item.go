package models

import (
	"time"

	"gorm.io/gorm"
)

// QueueStatus represents the current status of a queue item.
type QueueStatus string

const (
	// QueueStatusPending indicates the item is waiting to be picked up.
	QueueStatusPending QueueStatus = "pending"
	// QueueStatusDownloading indicates the pipeline is fetching streams.
	QueueStatusDownloading QueueStatus = "downloading"
	// QueueStatusMuxing indicates the muxer process is running.
	QueueStatusMuxing QueueStatus = "muxing"
	// QueueStatusCompleted indicates the download finished successfully.
	QueueStatusCompleted QueueStatus = "completed"
	// QueueStatusFailed indicates the download failed terminally.
	QueueStatusFailed QueueStatus = "failed"
	// QueueStatusCancelled indicates the item was cancelled by a user.
	QueueStatusCancelled QueueStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed || s == QueueStatusCancelled
}

// QueueItem is one outstanding download request. VideoID is globally unique:
// re-adding merges by taking max(priority) and leaves the rest untouched.
type QueueItem struct {
	BaseModel

	VideoID string `gorm:"size:11;not null;uniqueIndex" json:"video_id"`

	// UserID is the requesting user for manual adds; empty for watcher adds
	// (ownership rows carry the subscriber set in that case).
	UserID string `gorm:"size:255;index" json:"user_id,omitempty"`

	// Priority determines dispatch order (higher first).
	Priority int `gorm:"default:0;index" json:"priority"`

	Status QueueStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`

	ErrorMessage string `gorm:"size:4096" json:"error_message,omitempty"`

	QueuedAt    Time  `gorm:"not null;index" json:"queued_at"`
	StartedAt   *Time `json:"started_at,omitempty"`
	CompletedAt *Time `json:"completed_at,omitempty"`

	// RetryCount advances with the exponential backoff schedule.
	RetryCount int `gorm:"default:0" json:"retry_count"`

	// NextRetryAt gates selection: a pending row with a future gate is
	// invisible to the dispatcher.
	NextRetryAt *Time `gorm:"index" json:"next_retry_at,omitempty"`

	// ThrottleRetryCount tracks throttle re-fetches. Independent of
	// RetryCount: throttle retries are immediate and do not consume the
	// backoff budget.
	ThrottleRetryCount int `gorm:"default:0" json:"throttle_retry_count"`

	Source Source `gorm:"size:16;not null" json:"source"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "queue_items"
}

// IsPending returns true if the item is waiting for dispatch.
func (q *QueueItem) IsPending() bool {
	return q.Status == QueueStatusPending
}

// IsActive returns true if the pipeline currently owns the item.
func (q *QueueItem) IsActive() bool {
	return q.Status == QueueStatusDownloading || q.Status == QueueStatusMuxing
}

// ReadyAt reports whether the retry gate allows dispatch at t.
func (q *QueueItem) ReadyAt(t time.Time) bool {
	return q.NextRetryAt == nil || !q.NextRetryAt.After(t)
}

// Validate performs basic validation on the queue item.
func (q *QueueItem) Validate() error {
	if !ValidVideoID(q.VideoID) {
		return ErrInvalidVideoID
	}
	if q.Source != SourceSubscription && q.Source != SourceManual {
		return ErrInvalidSource
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the item and stamps QueuedAt.
func (q *QueueItem) BeforeCreate(tx *gorm.DB) error {
	if err := q.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if q.QueuedAt.IsZero() {
		q.QueuedAt = Now()
	}
	return q.Validate()
}
