package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/repository"
)

// QueueHandler handles queue CRUD endpoints.
type QueueHandler struct {
	catalog   repository.Catalog
	processor QueueController
	logger    *slog.Logger
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(catalog repository.Catalog, processor QueueController, logger *slog.Logger) *QueueHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueHandler{catalog: catalog, processor: processor, logger: logger}
}

// defaultManualPriority puts manual adds ahead of subscription enqueues,
// which are created at priority 0.
const defaultManualPriority = 10

// AddQueueInput is the input for adding a video to the queue.
type AddQueueInput struct {
	Body struct {
		VideoID  string `json:"videoId" doc:"11-character video ID"`
		UserID   string `json:"userId,omitempty" doc:"Requesting user; owners are derived from it"`
		Priority *int   `json:"priority,omitempty" doc:"Dispatch priority, higher first; defaults to 10"`
	}
}

// QueueItemOutput wraps a single queue item.
type QueueItemOutput struct {
	Status int
	Body   *models.QueueItem
}

// QueueListInput is the input for listing the queue.
type QueueListInput struct {
	UserID string `query:"userId" doc:"Restrict to one user's items"`
}

// QueueListOutput wraps the queue listing.
type QueueListOutput struct {
	Body struct {
		Items []*models.QueueItem `json:"items"`
		Count int                 `json:"count"`
	}
}

// VideoIDInput addresses one queue item by video ID.
type VideoIDInput struct {
	VideoID string `path:"videoId" doc:"11-character video ID"`
}

// ClearCompletedOutput reports how many terminal rows were removed.
type ClearCompletedOutput struct {
	Body struct {
		Removed int64 `json:"removed"`
	}
}

// Register registers the queue routes with the API.
func (h *QueueHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "addToQueue",
		Method:        http.MethodPost,
		Path:          "/api/downloader/queue",
		Summary:       "Queue a video for download",
		Tags:          []string{"Downloader"},
		DefaultStatus: http.StatusCreated,
	}, h.Add)

	huma.Register(api, huma.Operation{
		OperationID: "listQueue",
		Method:      http.MethodGet,
		Path:        "/api/downloader/queue",
		Summary:     "List queue items",
		Tags:        []string{"Downloader"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getQueueItem",
		Method:      http.MethodGet,
		Path:        "/api/downloader/queue/{videoId}",
		Summary:     "Get one queue item",
		Tags:        []string{"Downloader"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "cancelQueueItem",
		Method:      http.MethodDelete,
		Path:        "/api/downloader/queue/{videoId}",
		Summary:     "Cancel a queued or running download",
		Tags:        []string{"Downloader"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "retryQueueItem",
		Method:      http.MethodPost,
		Path:        "/api/downloader/queue/{videoId}/retry",
		Summary:     "Reset retry state and redispatch immediately",
		Tags:        []string{"Downloader"},
	}, h.Retry)

	huma.Register(api, huma.Operation{
		OperationID: "clearCompletedQueue",
		Method:      http.MethodPost,
		Path:        "/api/downloader/queue/clear-completed",
		Summary:     "Remove terminal queue rows",
		Tags:        []string{"Downloader"},
	}, h.ClearCompleted)
}

// Add queues a video. A duplicate non-terminal entry is a conflict; a
// terminal one is resurrected.
func (h *QueueHandler) Add(ctx context.Context, input *AddQueueInput) (*QueueItemOutput, error) {
	videoID := input.Body.VideoID
	if !models.ValidVideoID(videoID) {
		return nil, huma.Error400BadRequest("invalid video ID")
	}

	if existing, err := h.catalog.GetQueueItem(ctx, videoID); err == nil && !existing.Status.IsTerminal() {
		return nil, huma.Error409Conflict("video is already queued")
	} else if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, huma.Error500InternalServerError("checking queue", err)
	}

	priority := defaultManualPriority
	if input.Body.Priority != nil {
		priority = *input.Body.Priority
	}

	in := repository.AddToQueueInput{
		VideoID:  videoID,
		UserID:   input.Body.UserID,
		Priority: priority,
		Source:   models.SourceManual,
	}
	if input.Body.UserID != "" {
		in.OwnerUserIDs = []string{input.Body.UserID}
	}

	item, err := h.catalog.AddToQueue(ctx, in)
	if err != nil {
		return nil, huma.Error500InternalServerError("queueing video", err)
	}

	h.processor.Wake()
	h.logger.Info("video queued",
		slog.String("video_id", videoID),
		slog.String("user_id", input.Body.UserID),
	)
	return &QueueItemOutput{Status: http.StatusCreated, Body: item}, nil
}

// List returns queue items, optionally restricted to one user.
func (h *QueueHandler) List(ctx context.Context, input *QueueListInput) (*QueueListOutput, error) {
	items, err := h.catalog.GetQueue(ctx, input.UserID)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing queue", err)
	}
	out := &QueueListOutput{}
	out.Body.Items = items
	out.Body.Count = len(items)
	return out, nil
}

// Get returns one queue item.
func (h *QueueHandler) Get(ctx context.Context, input *VideoIDInput) (*QueueItemOutput, error) {
	if !models.ValidVideoID(input.VideoID) {
		return nil, huma.Error400BadRequest("invalid video ID")
	}
	item, err := h.catalog.GetQueueItem(ctx, input.VideoID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, huma.Error404NotFound("video is not queued")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("getting queue item", err)
	}
	return &QueueItemOutput{Status: http.StatusOK, Body: item}, nil
}

// Cancel aborts a download. Running pipelines are interrupted.
func (h *QueueHandler) Cancel(ctx context.Context, input *VideoIDInput) (*QueueItemOutput, error) {
	if !models.ValidVideoID(input.VideoID) {
		return nil, huma.Error400BadRequest("invalid video ID")
	}
	if err := h.processor.CancelDownload(ctx, input.VideoID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, huma.Error404NotFound("video is not queued")
		}
		return nil, huma.Error500InternalServerError("cancelling download", err)
	}
	item, err := h.catalog.GetQueueItem(ctx, input.VideoID)
	if err != nil {
		return nil, huma.Error500InternalServerError("getting queue item", err)
	}
	h.logger.Info("download cancelled", slog.String("video_id", input.VideoID))
	return &QueueItemOutput{Status: http.StatusOK, Body: item}, nil
}

// Retry clears the retry counters and gate so the item dispatches on the
// next tick.
func (h *QueueHandler) Retry(ctx context.Context, input *VideoIDInput) (*QueueItemOutput, error) {
	if !models.ValidVideoID(input.VideoID) {
		return nil, huma.Error400BadRequest("invalid video ID")
	}
	if err := h.catalog.ResetRetryCount(ctx, input.VideoID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, huma.Error404NotFound("video is not queued")
		}
		return nil, huma.Error500InternalServerError("resetting retry state", err)
	}
	h.processor.Wake()
	item, err := h.catalog.GetQueueItem(ctx, input.VideoID)
	if err != nil {
		return nil, huma.Error500InternalServerError("getting queue item", err)
	}
	return &QueueItemOutput{Status: http.StatusOK, Body: item}, nil
}

// ClearCompleted removes completed, failed, and cancelled rows.
func (h *QueueHandler) ClearCompleted(ctx context.Context, _ *struct{}) (*ClearCompletedOutput, error) {
	removed, err := h.catalog.ClearCompleted(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("clearing completed items", err)
	}
	out := &ClearCompletedOutput{}
	out.Body.Removed = removed
	return out, nil
}
