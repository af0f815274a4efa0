package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
)

// Source identifies how a video entered the system.
type Source string

const (
	// SourceSubscription marks videos enqueued by the subscription watcher.
	SourceSubscription Source = "subscription"
	// SourceManual marks videos enqueued by an explicit user request.
	SourceManual Source = "manual"
)

// StreamDetail describes one cached elementary stream (or the combined stream).
type StreamDetail struct {
	Itag          int    `json:"itag"`
	MimeType      string `json:"mime_type,omitempty"`
	Bitrate       int64  `json:"bitrate,omitempty"`
	ContentLength int64  `json:"content_length,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
}

// DownloadMetadata is the per-download metadata blob persisted as JSON.
type DownloadMetadata struct {
	Author      string        `json:"author,omitempty"`
	Description string        `json:"description,omitempty"`
	Video       *StreamDetail `json:"video,omitempty"`
	Audio       *StreamDetail `json:"audio,omitempty"`
	Combined    *StreamDetail `json:"combined,omitempty"`
	// AudioExt is the container extension of the cached audio stream
	// (e.g. "m4a", "webm").
	AudioExt string `json:"audio_ext,omitempty"`
	// VideoExt is the container extension of the cached video stream.
	VideoExt string `json:"video_ext,omitempty"`
}

// Value implements driver.Valuer, storing the metadata as JSON text.
func (m DownloadMetadata) Value() (driver.Value, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling download metadata: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *DownloadMetadata) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*m = DownloadMetadata{}
		return nil
	case string:
		return json.Unmarshal([]byte(v), m)
	case []byte:
		return json.Unmarshal(v, m)
	default:
		return fmt.Errorf("unsupported type for DownloadMetadata: %T", value)
	}
}

// GormDataType returns the GORM data type for DownloadMetadata.
func (DownloadMetadata) GormDataType() string {
	return "text"
}

// Download is one successfully completed video. The row outlives its files:
// eviction sets FilesDeletedAt and keeps the row as a tombstone so
// "was this ever downloaded" stays answerable.
type Download struct {
	// VideoID is the canonical 11-character video identifier.
	VideoID         string           `gorm:"primarykey;size:11" json:"video_id"`
	ChannelID       string           `gorm:"size:64;index" json:"channel_id"`
	Title           string           `gorm:"size:512" json:"title"`
	DurationSeconds int              `json:"duration_seconds"`
	Quality         string           `gorm:"size:16" json:"quality"`
	FilePath        string           `gorm:"size:1024;not null" json:"file_path"`
	ThumbnailPath   string           `gorm:"size:1024" json:"thumbnail_path,omitempty"`
	Metadata        DownloadMetadata `gorm:"type:text" json:"metadata"`
	FileSizeBytes   int64            `json:"file_size_bytes"`
	DownloadedAt    Time             `gorm:"index" json:"downloaded_at"`
	Source          Source           `gorm:"size:16;not null;index" json:"source"`
	// FilesDeletedAt is set by the eviction service when the on-disk files
	// are reclaimed. Nil means the files exist (or existed at completion).
	FilesDeletedAt *Time `gorm:"index" json:"files_deleted_at,omitempty"`

	CreatedAt Time `json:"created_at"`
	UpdatedAt Time `json:"updated_at"`
}

// TableName returns the table name for Download.
func (Download) TableName() string {
	return "downloads"
}

// HasFiles reports whether the download's files are still on disk
// as far as the catalog knows.
func (d *Download) HasFiles() bool {
	return d.FilesDeletedAt == nil
}

// Validate performs basic validation on the download.
func (d *Download) Validate() error {
	if !ValidVideoID(d.VideoID) {
		return ErrInvalidVideoID
	}
	if d.FilePath == "" {
		return ErrFilePathRequired
	}
	if d.Source != SourceSubscription && d.Source != SourceManual {
		return ErrInvalidSource
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the download.
func (d *Download) BeforeCreate(tx *gorm.DB) error {
	return d.Validate()
}

// BeforeUpdate is a GORM hook that validates the download before update.
func (d *Download) BeforeUpdate(tx *gorm.DB) error {
	return d.Validate()
}
