package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vidarr/vidarr/internal/models"
)

// upsertOwnersTx marks each user as an active owner of the video. A returning
// owner (previously soft-deleted) is reactivated.
func upsertOwnersTx(tx *gorm.DB, videoID string, userIDs []string) error {
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		row := &models.VideoUserStatus{
			VideoID: videoID,
			UserID:  userID,
			IsOwner: true,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "video_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"is_owner":   true,
				"deleted_at": nil,
			}),
		}).Create(row).Error
		if err != nil {
			return fmt.Errorf("upserting owner %s for %s: %w", userID, videoID, err)
		}
	}
	return nil
}

// UpsertOwners marks each user as an active owner of the video.
func (s *Store) UpsertOwners(ctx context.Context, videoID string, userIDs []string) error {
	if !models.ValidVideoID(videoID) {
		return models.ErrInvalidVideoID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertOwnersTx(tx, videoID, userIDs)
	})
}

// GetActiveVideoOwners returns the ownership rows that still count: owner
// flag set and not soft-deleted. Eviction gates on every one of these users
// having watched the video.
func (s *Store) GetActiveVideoOwners(ctx context.Context, videoID string) ([]*models.VideoUserStatus, error) {
	if !models.ValidVideoID(videoID) {
		return nil, models.ErrInvalidVideoID
	}

	var rows []*models.VideoUserStatus
	err := s.db.WithContext(ctx).
		Where("video_id = ? AND is_owner AND deleted_at IS NULL", videoID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("getting owners for %s: %w", videoID, err)
	}
	return rows, nil
}

// SetKeepForever toggles the eviction exemption for one owner of a video.
func (s *Store) SetKeepForever(ctx context.Context, videoID, userID string, keep bool) error {
	if !models.ValidVideoID(videoID) {
		return models.ErrInvalidVideoID
	}
	if userID == "" {
		return models.ErrUserIDRequired
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := &models.VideoUserStatus{
		VideoID:     videoID,
		UserID:      userID,
		IsOwner:     true,
		KeepForever: keep,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "video_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"keep_forever": keep,
		}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("setting keep_forever for %s/%s: %w", videoID, userID, err)
	}
	return nil
}

// SoftDeleteUserVideo releases one user's claim on a video. The files stay
// until every other owner is done with them.
func (s *Store) SoftDeleteUserVideo(ctx context.Context, videoID, userID string) error {
	if !models.ValidVideoID(videoID) {
		return models.ErrInvalidVideoID
	}
	if userID == "" {
		return models.ErrUserIDRequired
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.WithContext(ctx).
		Model(&models.VideoUserStatus{}).
		Where("video_id = ? AND user_id = ? AND deleted_at IS NULL", videoID, userID).
		Update("deleted_at", models.Now())
	if res.Error != nil {
		return fmt.Errorf("soft-deleting %s for %s: %w", videoID, userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// GetUserDownloads returns the downloads a user actively owns, files extant,
// newest first.
func (s *Store) GetUserDownloads(ctx context.Context, userID string) ([]*models.Download, error) {
	if userID == "" {
		return nil, models.ErrUserIDRequired
	}

	var out []*models.Download
	err := s.db.WithContext(ctx).
		Where("files_deleted_at IS NULL").
		Where("video_id IN (?)",
			s.db.Model(&models.VideoUserStatus{}).
				Select("video_id").
				Where("user_id = ? AND is_owner AND deleted_at IS NULL", userID),
		).
		Order("downloaded_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing downloads for %s: %w", userID, err)
	}
	return out, nil
}

// GetUserQueue returns the non-terminal queue items visible to a user.
func (s *Store) GetUserQueue(ctx context.Context, userID string) ([]*models.QueueItem, error) {
	if userID == "" {
		return nil, models.ErrUserIDRequired
	}
	return s.GetQueue(ctx, userID)
}

// GetUserDownloadStats aggregates one user's cached library.
func (s *Store) GetUserDownloadStats(ctx context.Context, userID string) (*UserDownloadStats, error) {
	if userID == "" {
		return nil, models.ErrUserIDRequired
	}

	var row struct {
		Count   int64
		Bytes   int64
		Seconds int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.Download{}).
		Select("COUNT(*) AS count, COALESCE(SUM(file_size_bytes), 0) AS bytes, COALESCE(SUM(duration_seconds), 0) AS seconds").
		Where("files_deleted_at IS NULL").
		Where("video_id IN (?)",
			s.db.Model(&models.VideoUserStatus{}).
				Select("video_id").
				Where("user_id = ? AND is_owner AND deleted_at IS NULL", userID),
		).
		Scan(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("aggregating stats for %s: %w", userID, err)
	}
	return &UserDownloadStats{
		UserID:         userID,
		DownloadCount:  row.Count,
		TotalSizeBytes: row.Bytes,
		TotalSeconds:   row.Seconds,
	}, nil
}
