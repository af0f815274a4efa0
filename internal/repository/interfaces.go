package repository

import (
	"context"
	"time"

	"github.com/vidarr/vidarr/internal/models"
)

// AddToQueueInput is the insert-or-merge request for the queue.
type AddToQueueInput struct {
	VideoID  string
	UserID   string
	Priority int
	Source   models.Source
	// OwnerUserIDs, when set, upserts an active ownership row per user.
	// When empty and UserID is set, a single ownership row is upserted.
	OwnerUserIDs []string
}

// UserDownloadStats summarizes one user's cached library.
type UserDownloadStats struct {
	UserID         string `json:"user_id"`
	DownloadCount  int64  `json:"download_count"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	TotalSeconds   int64  `json:"total_seconds"`
}

// QueueStore is the queue slice of the catalog.
type QueueStore interface {
	AddToQueue(ctx context.Context, in AddToQueueInput) (*models.QueueItem, error)
	GetQueueItem(ctx context.Context, videoID string) (*models.QueueItem, error)
	GetQueue(ctx context.Context, userID string) ([]*models.QueueItem, error)
	// GetNextQueueItem returns the highest-priority dispatchable pending row
	// (retry gate passed), tie-broken by oldest QueuedAt. Does not mutate.
	GetNextQueueItem(ctx context.Context) (*models.QueueItem, error)
	// ClaimForDownload atomically moves pending→downloading and stamps
	// StartedAt. Returns false when another worker won the claim.
	ClaimForDownload(ctx context.Context, videoID string) (bool, error)
	UpdateQueueStatus(ctx context.Context, videoID string, status models.QueueStatus, errorMessage string) error
	ScheduleRetry(ctx context.Context, videoID, errorMessage string, retryCount int, nextRetryAt time.Time) error
	ResetRetryCount(ctx context.Context, videoID string) error
	IncrementThrottleRetry(ctx context.Context, videoID, errorMessage string) error
	GetOrphanedDownloads(ctx context.Context) ([]*models.QueueItem, error)
	ResetOrphanedDownloads(ctx context.Context) (int64, error)
	ClearCompleted(ctx context.Context) (int64, error)
	RemoveQueueItem(ctx context.Context, videoID string) error
}

// DownloadStore is the downloads slice of the catalog.
type DownloadStore interface {
	AddDownload(ctx context.Context, d *models.Download) error
	GetDownload(ctx context.Context, videoID string) (*models.Download, error)
	ListDownloads(ctx context.Context) ([]*models.Download, error)
	DeleteDownload(ctx context.Context, videoID string) error
	MarkFilesDeleted(ctx context.Context, videoID string) error
	GetCleanupCandidates(ctx context.Context, age time.Duration) ([]*models.Download, error)
	// DownloadedVideoIDs returns the set of IDs with extant files, for the
	// watcher filter.
	DownloadedVideoIDs(ctx context.Context) (map[string]struct{}, error)
	QueuedVideoIDs(ctx context.Context) (map[string]struct{}, error)
}

// OwnershipStore is the per-user ownership slice of the catalog.
type OwnershipStore interface {
	UpsertOwners(ctx context.Context, videoID string, userIDs []string) error
	GetActiveVideoOwners(ctx context.Context, videoID string) ([]*models.VideoUserStatus, error)
	SetKeepForever(ctx context.Context, videoID, userID string, keep bool) error
	SoftDeleteUserVideo(ctx context.Context, videoID, userID string) error
	GetUserDownloads(ctx context.Context, userID string) ([]*models.Download, error)
	GetUserQueue(ctx context.Context, userID string) ([]*models.QueueItem, error)
	GetUserDownloadStats(ctx context.Context, userID string) (*UserDownloadStats, error)
}

// ExclusionStore is the channel-exclusion slice of the catalog.
type ExclusionStore interface {
	AddExclusion(ctx context.Context, channelID, userID string) error
	RemoveExclusion(ctx context.Context, channelID, userID string) error
	ListExclusions(ctx context.Context) ([]*models.ChannelExclusion, error)
	// ExcludedChannels returns every channel excluded for the given user
	// (including global exclusions).
	ExcludedChannels(ctx context.Context, userID string) (map[string]struct{}, error)
}

// Catalog is the full catalog store contract (C1).
type Catalog interface {
	QueueStore
	DownloadStore
	OwnershipStore
	ExclusionStore
}
