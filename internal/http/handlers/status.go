package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/vidarr/vidarr/internal/cleanup"
	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/progress"
	"github.com/vidarr/vidarr/internal/repository"
	"github.com/vidarr/vidarr/internal/storage"
	"github.com/vidarr/vidarr/internal/watcher"
)

// StatusHandler handles the status, stats, and service-trigger endpoints.
type StatusHandler struct {
	catalog   repository.Catalog
	tracker   *progress.Tracker
	processor QueueController
	watcher   WatcherService
	cleanup   CleanupService
	library   *storage.Library
	startTime time.Time
	logger    *slog.Logger
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(
	catalog repository.Catalog,
	tracker *progress.Tracker,
	processor QueueController,
	watcherSvc WatcherService,
	cleanupSvc CleanupService,
	library *storage.Library,
	logger *slog.Logger,
) *StatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHandler{
		catalog:   catalog,
		tracker:   tracker,
		processor: processor,
		watcher:   watcherSvc,
		cleanup:   cleanupSvc,
		library:   library,
		startTime: time.Now(),
		logger:    logger,
	}
}

// QueueCounts breaks the live queue down by status.
type QueueCounts struct {
	Pending     int `json:"pending"`
	Downloading int `json:"downloading"`
	Muxing      int `json:"muxing"`
	Total       int `json:"total"`
}

// SystemStats reports host resource usage relevant to the cache.
type SystemStats struct {
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	DiskUsedBytes    uint64  `json:"disk_used_bytes"`
	DiskFreeBytes    uint64  `json:"disk_free_bytes"`
	DiskUsedPercent  float64 `json:"disk_used_percent"`
}

// StatusOutput is the full downloader status.
type StatusOutput struct {
	Body struct {
		UptimeSeconds   float64             `json:"uptime_seconds"`
		Queue           QueueCounts         `json:"queue"`
		ActiveDownloads []progress.Snapshot `json:"active_downloads"`
		Watcher         watcher.State       `json:"watcher"`
		Cleanup         cleanup.State       `json:"cleanup"`
		System          SystemStats         `json:"system"`
	}
}

// StatsInput is the input for the per-user stats endpoint.
type StatsInput struct {
	UserID string `query:"userId" required:"true" doc:"User to report on"`
}

// StatsOutput wraps per-user download statistics.
type StatsOutput struct {
	Body *repository.UserDownloadStats
}

// TriggerOutput confirms a manual service trigger.
type TriggerOutput struct {
	Body struct {
		Triggered bool `json:"triggered"`
	}
}

// WatcherStateOutput wraps the watcher state.
type WatcherStateOutput struct {
	Body watcher.State
}

// CleanupStateOutput wraps the eviction service state.
type CleanupStateOutput struct {
	Body cleanup.State
}

// Register registers the status routes with the API.
func (h *StatusHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getDownloaderStatus",
		Method:      http.MethodGet,
		Path:        "/api/downloader/status",
		Summary:     "Downloader status",
		Tags:        []string{"Downloader"},
	}, h.Status)

	huma.Register(api, huma.Operation{
		OperationID: "getUserStats",
		Method:      http.MethodGet,
		Path:        "/api/downloader/stats",
		Summary:     "Per-user download statistics",
		Tags:        []string{"Downloader"},
	}, h.Stats)

	huma.Register(api, huma.Operation{
		OperationID: "getWatcherState",
		Method:      http.MethodGet,
		Path:        "/api/downloader/watcher",
		Summary:     "Subscription watcher state",
		Tags:        []string{"Downloader"},
	}, h.WatcherState)

	huma.Register(api, huma.Operation{
		OperationID: "triggerWatcherCheck",
		Method:      http.MethodPost,
		Path:        "/api/downloader/watcher/check",
		Summary:     "Run a subscription check now",
		Tags:        []string{"Downloader"},
	}, h.TriggerWatcher)

	huma.Register(api, huma.Operation{
		OperationID: "getCleanupState",
		Method:      http.MethodGet,
		Path:        "/api/downloader/cleanup",
		Summary:     "Eviction service state",
		Tags:        []string{"Downloader"},
	}, h.CleanupState)

	huma.Register(api, huma.Operation{
		OperationID: "triggerCleanupSweep",
		Method:      http.MethodPost,
		Path:        "/api/downloader/cleanup/run",
		Summary:     "Run an eviction sweep now",
		Tags:        []string{"Downloader"},
	}, h.TriggerCleanup)
}

// Status returns the combined downloader status.
func (h *StatusHandler) Status(ctx context.Context, _ *struct{}) (*StatusOutput, error) {
	items, err := h.catalog.GetQueue(ctx, "")
	if err != nil {
		return nil, huma.Error500InternalServerError("listing queue", err)
	}

	out := &StatusOutput{}
	out.Body.UptimeSeconds = time.Since(h.startTime).Seconds()
	for _, item := range items {
		switch item.Status {
		case models.QueueStatusPending:
			out.Body.Queue.Pending++
		case models.QueueStatusDownloading:
			out.Body.Queue.Downloading++
		case models.QueueStatusMuxing:
			out.Body.Queue.Muxing++
		}
	}
	out.Body.Queue.Total = len(items)
	out.Body.ActiveDownloads = h.tracker.Snapshots()
	out.Body.Watcher = h.watcher.State()
	out.Body.Cleanup = h.cleanup.State()
	out.Body.System = h.systemStats()
	return out, nil
}

// Stats returns one user's download statistics.
func (h *StatusHandler) Stats(ctx context.Context, input *StatsInput) (*StatsOutput, error) {
	if input.UserID == "" {
		return nil, huma.Error400BadRequest("userId is required")
	}
	stats, err := h.catalog.GetUserDownloadStats(ctx, input.UserID)
	if err != nil {
		return nil, huma.Error500InternalServerError("computing stats", err)
	}
	return &StatsOutput{Body: stats}, nil
}

// WatcherState returns the watcher snapshot.
func (h *StatusHandler) WatcherState(ctx context.Context, _ *struct{}) (*WatcherStateOutput, error) {
	return &WatcherStateOutput{Body: h.watcher.State()}, nil
}

// TriggerWatcher runs one subscription check synchronously.
func (h *StatusHandler) TriggerWatcher(ctx context.Context, _ *struct{}) (*TriggerOutput, error) {
	if err := h.watcher.Check(ctx); err != nil {
		return nil, huma.Error500InternalServerError("subscription check failed", err)
	}
	out := &TriggerOutput{}
	out.Body.Triggered = true
	return out, nil
}

// CleanupState returns the eviction service snapshot.
func (h *StatusHandler) CleanupState(ctx context.Context, _ *struct{}) (*CleanupStateOutput, error) {
	return &CleanupStateOutput{Body: h.cleanup.State()}, nil
}

// TriggerCleanup runs one eviction sweep synchronously.
func (h *StatusHandler) TriggerCleanup(ctx context.Context, _ *struct{}) (*TriggerOutput, error) {
	if _, err := h.cleanup.Sweep(ctx); err != nil {
		return nil, huma.Error500InternalServerError("eviction sweep failed", err)
	}
	out := &TriggerOutput{}
	out.Body.Triggered = true
	return out, nil
}

// systemStats is best effort; a probe failure leaves zeros rather than
// failing the status call.
func (h *StatusHandler) systemStats() SystemStats {
	var out SystemStats
	if vm, err := mem.VirtualMemory(); err == nil {
		out.MemoryUsedBytes = vm.Used
		out.MemoryTotalBytes = vm.Total
	}
	if du, err := disk.Usage(h.library.BaseDir()); err == nil {
		out.DiskUsedBytes = du.Used
		out.DiskFreeBytes = du.Free
		out.DiskUsedPercent = du.UsedPercent
	}
	return out
}
