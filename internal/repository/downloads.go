package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vidarr/vidarr/internal/models"
)

// AddDownload records a completed download. Re-downloading a previously
// evicted video overwrites the tombstone: FilesDeletedAt is cleared and the
// file fields replaced, while CreatedAt keeps the original date.
func (s *Store) AddDownload(ctx context.Context, d *models.Download) error {
	if err := d.Validate(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	d.FilesDeletedAt = nil
	if d.DownloadedAt.IsZero() {
		d.DownloadedAt = models.Now()
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "video_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"channel_id", "title", "duration_seconds", "quality",
			"file_path", "thumbnail_path", "metadata", "file_size_bytes",
			"downloaded_at", "source", "files_deleted_at", "updated_at",
		}),
	}).Create(d).Error
	if err != nil {
		return fmt.Errorf("recording download %s: %w", d.VideoID, err)
	}
	return nil
}

// GetDownload returns the download row for a video, tombstone or not.
func (s *Store) GetDownload(ctx context.Context, videoID string) (*models.Download, error) {
	if !models.ValidVideoID(videoID) {
		return nil, models.ErrInvalidVideoID
	}

	var d models.Download
	err := s.db.WithContext(ctx).Where("video_id = ?", videoID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting download %s: %w", videoID, err)
	}
	return &d, nil
}

// ListDownloads returns all downloads with extant files, newest first.
func (s *Store) ListDownloads(ctx context.Context) ([]*models.Download, error) {
	var out []*models.Download
	err := s.db.WithContext(ctx).
		Where("files_deleted_at IS NULL").
		Order("downloaded_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing downloads: %w", err)
	}
	return out, nil
}

// DeleteDownload removes the catalog row entirely, including the tombstone.
// Ownership rows go with it. File removal is the caller's business.
func (s *Store) DeleteDownload(ctx context.Context, videoID string) error {
	if !models.ValidVideoID(videoID) {
		return models.ErrInvalidVideoID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("video_id = ?", videoID).Delete(&models.Download{})
		if res.Error != nil {
			return fmt.Errorf("deleting download %s: %w", videoID, res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrNotFound
		}
		if err := tx.Where("video_id = ?", videoID).Delete(&models.VideoUserStatus{}).Error; err != nil {
			return fmt.Errorf("deleting ownership rows for %s: %w", videoID, err)
		}
		return nil
	})
}

// MarkFilesDeleted turns a download row into a tombstone. The row survives
// so the watcher keeps treating the video as already handled.
func (s *Store) MarkFilesDeleted(ctx context.Context, videoID string) error {
	if !models.ValidVideoID(videoID) {
		return models.ErrInvalidVideoID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.WithContext(ctx).
		Model(&models.Download{}).
		Where("video_id = ? AND files_deleted_at IS NULL", videoID).
		Update("files_deleted_at", models.Now())
	if res.Error != nil {
		return fmt.Errorf("marking files deleted for %s: %w", videoID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// GetCleanupCandidates returns subscription downloads older than age whose
// files still exist. Manual downloads and keep-forever holds are excluded
// here; the per-owner watched check happens in the eviction service.
func (s *Store) GetCleanupCandidates(ctx context.Context, age time.Duration) ([]*models.Download, error) {
	cutoff := time.Now().Add(-age)

	var out []*models.Download
	err := s.db.WithContext(ctx).
		Where("source = ?", models.SourceSubscription).
		Where("files_deleted_at IS NULL").
		Where("downloaded_at < ?", cutoff).
		Where("video_id NOT IN (?)",
			s.db.Model(&models.VideoUserStatus{}).
				Select("video_id").
				Where("keep_forever AND deleted_at IS NULL"),
		).
		Order("downloaded_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing cleanup candidates: %w", err)
	}
	return out, nil
}

// DownloadedVideoIDs returns the set of video IDs the catalog has a row for,
// tombstones included. The watcher uses it to skip already-handled videos,
// and an evicted video must not be re-downloaded by a subscription pass.
func (s *Store) DownloadedVideoIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.Download{}).Pluck("video_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing downloaded video ids: %w", err)
	}
	return toSet(ids), nil
}

// QueuedVideoIDs returns the set of video IDs with a non-terminal queue row.
func (s *Store) QueuedVideoIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("status IN ?", []models.QueueStatus{
			models.QueueStatusPending,
			models.QueueStatusDownloading,
			models.QueueStatusMuxing,
		}).
		Pluck("video_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing queued video ids: %w", err)
	}
	return toSet(ids), nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
