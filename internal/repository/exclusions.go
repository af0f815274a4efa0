package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vidarr/vidarr/internal/models"
)

// AddExclusion mutes a channel for one user, or globally when userID is empty.
// Idempotent.
func (s *Store) AddExclusion(ctx context.Context, channelID, userID string) error {
	if channelID == "" {
		return models.ErrChannelIDRequired
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := &models.ChannelExclusion{ChannelID: channelID, UserID: userID}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("adding exclusion for channel %s: %w", channelID, err)
	}
	return nil
}

// RemoveExclusion lifts a previously added exclusion.
func (s *Store) RemoveExclusion(ctx context.Context, channelID, userID string) error {
	if channelID == "" {
		return models.ErrChannelIDRequired
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Delete(&models.ChannelExclusion{})
	if res.Error != nil {
		return fmt.Errorf("removing exclusion for channel %s: %w", channelID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListExclusions returns every exclusion row.
func (s *Store) ListExclusions(ctx context.Context) ([]*models.ChannelExclusion, error) {
	var rows []*models.ChannelExclusion
	if err := s.db.WithContext(ctx).Order("channel_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing exclusions: %w", err)
	}
	return rows, nil
}

// ExcludedChannels returns the channels muted for a user, global exclusions
// included.
func (s *Store) ExcludedChannels(ctx context.Context, userID string) (map[string]struct{}, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.ChannelExclusion{}).
		Where("user_id = ? OR user_id = ''", userID).
		Pluck("channel_id", &ids).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("listing excluded channels for %s: %w", userID, err)
	}
	return toSet(ids), nil
}
