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

// AddToQueue inserts a queue item, or merges with the existing row for the
// same video. A merge takes max(priority) and otherwise leaves the row alone,
// so a manual re-add can promote a subscription download but a watcher pass
// can never demote a manual one. Ownership rows are upserted in the same
// logical operation.
func (s *Store) AddToQueue(ctx context.Context, in AddToQueueInput) (*models.QueueItem, error) {
	if !models.ValidVideoID(in.VideoID) {
		return nil, models.ErrInvalidVideoID
	}
	if in.Source != models.SourceSubscription && in.Source != models.SourceManual {
		return nil, models.ErrInvalidSource
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	item := &models.QueueItem{
		VideoID:  in.VideoID,
		UserID:   in.UserID,
		Priority: in.Priority,
		Status:   models.QueueStatusPending,
		Source:   in.Source,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// MAX() keeps the higher of the stored and the incoming priority.
		// A re-add of a terminal row resurrects it as a fresh pending item;
		// an active row is never disturbed beyond the priority bump.
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "video_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"priority": gorm.Expr("MAX(queue_items.priority, excluded.priority)"),
				"status": gorm.Expr(
					"CASE WHEN queue_items.status IN ('completed','failed','cancelled') THEN 'pending' ELSE queue_items.status END"),
				"retry_count": gorm.Expr(
					"CASE WHEN queue_items.status IN ('completed','failed','cancelled') THEN 0 ELSE queue_items.retry_count END"),
				"throttle_retry_count": gorm.Expr(
					"CASE WHEN queue_items.status IN ('completed','failed','cancelled') THEN 0 ELSE queue_items.throttle_retry_count END"),
				"next_retry_at": gorm.Expr(
					"CASE WHEN queue_items.status IN ('completed','failed','cancelled') THEN NULL ELSE queue_items.next_retry_at END"),
			}),
		}).Create(item)
		if res.Error != nil {
			return fmt.Errorf("inserting queue item: %w", res.Error)
		}

		owners := in.OwnerUserIDs
		if len(owners) == 0 && in.UserID != "" {
			owners = []string{in.UserID}
		}
		if err := upsertOwnersTx(tx, in.VideoID, owners); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Re-read so the caller sees the merged row, not the candidate.
	return s.getQueueItem(ctx, in.VideoID)
}

// GetQueueItem returns the queue row for a video, or models.ErrNotFound.
func (s *Store) GetQueueItem(ctx context.Context, videoID string) (*models.QueueItem, error) {
	if !models.ValidVideoID(videoID) {
		return nil, models.ErrInvalidVideoID
	}
	return s.getQueueItem(ctx, videoID)
}

func (s *Store) getQueueItem(ctx context.Context, videoID string) (*models.QueueItem, error) {
	var item models.QueueItem
	err := s.db.WithContext(ctx).Where("video_id = ?", videoID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting queue item %s: %w", videoID, err)
	}
	return &item, nil
}

// GetQueue returns all non-terminal queue items, newest first. When userID is
// non-empty the result is restricted to items the user requested or owns.
func (s *Store) GetQueue(ctx context.Context, userID string) ([]*models.QueueItem, error) {
	q := s.db.WithContext(ctx).
		Where("status IN ?", []models.QueueStatus{
			models.QueueStatusPending,
			models.QueueStatusDownloading,
			models.QueueStatusMuxing,
		})
	if userID != "" {
		q = q.Where(
			"user_id = ? OR video_id IN (?)",
			userID,
			s.db.Model(&models.VideoUserStatus{}).
				Select("video_id").
				Where("user_id = ? AND is_owner AND deleted_at IS NULL", userID),
		)
	}

	var items []*models.QueueItem
	if err := q.Order("queued_at DESC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}
	return items, nil
}

// GetNextQueueItem returns the single highest-priority pending item whose
// retry gate has passed, tie-broken by oldest QueuedAt. It does not mutate;
// the caller claims the row with ClaimForDownload.
func (s *Store) GetNextQueueItem(ctx context.Context) (*models.QueueItem, error) {
	var item models.QueueItem
	err := s.db.WithContext(ctx).
		Where("status = ?", models.QueueStatusPending).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", time.Now()).
		Order("priority DESC, queued_at ASC").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next queue item: %w", err)
	}
	return &item, nil
}

// ClaimForDownload transitions pending→downloading for a single video and
// stamps StartedAt. The guarded UPDATE is the linearization point: of N
// workers racing on the same row, exactly one sees RowsAffected == 1.
func (s *Store) ClaimForDownload(ctx context.Context, videoID string) (bool, error) {
	if !models.ValidVideoID(videoID) {
		return false, models.ErrInvalidVideoID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := models.Now()
	res := s.db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("video_id = ? AND status = ?", videoID, models.QueueStatusPending).
		Updates(map[string]any{
			"status":        models.QueueStatusDownloading,
			"started_at":    now,
			"error_message": "",
		})
	if res.Error != nil {
		return false, fmt.Errorf("claiming queue item %s: %w", videoID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UpdateQueueStatus moves a queue item to a new status. Entering downloading
// stamps StartedAt; entering a terminal state stamps CompletedAt. The error
// message replaces whatever was stored (pass "" to clear).
func (s *Store) UpdateQueueStatus(ctx context.Context, videoID string, status models.QueueStatus, errorMessage string) error {
	if !models.ValidVideoID(videoID) {
		return models.ErrInvalidVideoID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	updates := map[string]any{
		"status":        status,
		"error_message": errorMessage,
	}
	now := models.Now()
	switch {
	case status == models.QueueStatusDownloading:
		updates["started_at"] = now
	case status.IsTerminal():
		updates["completed_at"] = now
	}

	res := s.db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("video_id = ?", videoID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating queue status for %s: %w", videoID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ScheduleRetry returns a failed attempt to pending with an updated retry
// counter and a future dispatch gate. The item stays invisible to
// GetNextQueueItem until nextRetryAt passes.
func (s *Store) ScheduleRetry(ctx context.Context, videoID, errorMessage string, retryCount int, nextRetryAt time.Time) error {
	if !models.ValidVideoID(videoID) {
		return models.ErrInvalidVideoID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("video_id = ?", videoID).
		Updates(map[string]any{
			"status":        models.QueueStatusPending,
			"error_message": errorMessage,
			"retry_count":   retryCount,
			"next_retry_at": nextRetryAt,
		})
	if res.Error != nil {
		return fmt.Errorf("scheduling retry for %s: %w", videoID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ResetRetryCount clears both retry counters and the dispatch gate, making
// the item immediately eligible again. Used by the manual retry endpoint.
func (s *Store) ResetRetryCount(ctx context.Context, videoID string) error {
	if !models.ValidVideoID(videoID) {
		return models.ErrInvalidVideoID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("video_id = ?", videoID).
		Updates(map[string]any{
			"status":               models.QueueStatusPending,
			"retry_count":          0,
			"throttle_retry_count": 0,
			"next_retry_at":        nil,
			"error_message":        "",
			"started_at":           nil,
			"completed_at":         nil,
		})
	if res.Error != nil {
		return fmt.Errorf("resetting retries for %s: %w", videoID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// IncrementThrottleRetry bumps the throttle counter and returns the item to
// pending with no dispatch gate: throttle re-fetches are immediate and spend
// a separate budget from classified failures.
func (s *Store) IncrementThrottleRetry(ctx context.Context, videoID, errorMessage string) error {
	if !models.ValidVideoID(videoID) {
		return models.ErrInvalidVideoID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("video_id = ?", videoID).
		Updates(map[string]any{
			"status":               models.QueueStatusPending,
			"throttle_retry_count": gorm.Expr("throttle_retry_count + 1"),
			"error_message":        errorMessage,
		})
	if res.Error != nil {
		return fmt.Errorf("incrementing throttle retries for %s: %w", videoID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// GetOrphanedDownloads returns items stuck in downloading or muxing. After an
// unclean shutdown no pipeline owns them any more.
func (s *Store) GetOrphanedDownloads(ctx context.Context) ([]*models.QueueItem, error) {
	var items []*models.QueueItem
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.QueueStatus{
			models.QueueStatusDownloading,
			models.QueueStatusMuxing,
		}).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("listing orphaned downloads: %w", err)
	}
	return items, nil
}

// ResetOrphanedDownloads returns every downloading/muxing item to pending.
// Called once at startup, before any worker runs.
func (s *Store) ResetOrphanedDownloads(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("status IN ?", []models.QueueStatus{
			models.QueueStatusDownloading,
			models.QueueStatusMuxing,
		}).
		Updates(map[string]any{
			"status":        models.QueueStatusPending,
			"started_at":    nil,
			"error_message": "interrupted by restart",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("resetting orphaned downloads: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ClearCompleted deletes all terminal queue rows and reports how many went.
func (s *Store) ClearCompleted(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.WithContext(ctx).
		Where("status IN ?", []models.QueueStatus{
			models.QueueStatusCompleted,
			models.QueueStatusFailed,
			models.QueueStatusCancelled,
		}).
		Delete(&models.QueueItem{})
	if res.Error != nil {
		return 0, fmt.Errorf("clearing completed queue items: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RemoveQueueItem deletes the queue row for a video regardless of status.
func (s *Store) RemoveQueueItem(ctx context.Context, videoID string) error {
	if !models.ValidVideoID(videoID) {
		return models.ErrInvalidVideoID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.WithContext(ctx).
		Where("video_id = ?", videoID).
		Delete(&models.QueueItem{})
	if res.Error != nil {
		return fmt.Errorf("removing queue item %s: %w", videoID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}
