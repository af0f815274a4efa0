// Package handlers provides the control-plane HTTP API for vidarr.
package handlers

import (
	"context"

	"github.com/vidarr/vidarr/internal/cleanup"
	"github.com/vidarr/vidarr/internal/watcher"
)

// QueueController is the slice of the download processor the API needs.
type QueueController interface {
	CancelDownload(ctx context.Context, videoID string) error
	Wake()
	ActiveCount() int
}

// WatcherService exposes the subscription watcher to the API.
type WatcherService interface {
	Check(ctx context.Context) error
	State() watcher.State
}

// CleanupService exposes the eviction service to the API.
type CleanupService interface {
	Sweep(ctx context.Context) (*cleanup.SweepResult, error)
	State() cleanup.State
}
