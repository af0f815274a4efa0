package models

import "gorm.io/gorm"

// VideoUserStatus is a per-(video, user) ownership fact. An owner is a user
// on whose behalf a video was downloaded, either by manual request or by a
// subscription match.
type VideoUserStatus struct {
	VideoID string `gorm:"primarykey;size:11" json:"video_id"`
	UserID  string `gorm:"primarykey;size:255" json:"user_id"`

	IsOwner bool `gorm:"not null;default:false" json:"is_owner"`

	// KeepForever exempts the video from eviction for as long as this
	// owner holds it.
	KeepForever bool `gorm:"not null;default:false" json:"keep_forever"`

	// DeletedAt is a soft per-user delete; the video may remain for
	// other owners.
	DeletedAt *Time `json:"deleted_at,omitempty"`

	CreatedAt Time `json:"created_at"`
}

// TableName returns the table name for VideoUserStatus.
func (VideoUserStatus) TableName() string {
	return "video_user_statuses"
}

// IsActiveOwner reports whether this row counts for eviction gating.
func (v *VideoUserStatus) IsActiveOwner() bool {
	return v.IsOwner && v.DeletedAt == nil
}

// BeforeCreate is a GORM hook validating the composite key.
func (v *VideoUserStatus) BeforeCreate(tx *gorm.DB) error {
	if !ValidVideoID(v.VideoID) {
		return ErrInvalidVideoID
	}
	if v.UserID == "" {
		return ErrUserIDRequired
	}
	return nil
}

// ChannelExclusion mutes a channel for one user, or for everyone when
// UserID is empty. Excluded channels never enter the queue via the watcher.
type ChannelExclusion struct {
	ChannelID string `gorm:"primarykey;size:64" json:"channel_id"`
	// UserID scopes the exclusion; empty applies to all users.
	UserID string `gorm:"primarykey;size:255;default:''" json:"user_id,omitempty"`

	CreatedAt Time `json:"created_at"`
}

// TableName returns the table name for ChannelExclusion.
func (ChannelExclusion) TableName() string {
	return "channel_exclusions"
}

// AppliesTo reports whether the exclusion covers the given user.
func (c *ChannelExclusion) AppliesTo(userID string) bool {
	return c.UserID == "" || c.UserID == userID
}

// BeforeCreate is a GORM hook validating the channel ID.
func (c *ChannelExclusion) BeforeCreate(tx *gorm.DB) error {
	if c.ChannelID == "" {
		return ErrChannelIDRequired
	}
	return nil
}
