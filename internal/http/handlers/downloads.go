package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/repository"
	"github.com/vidarr/vidarr/internal/storage"
)

// DownloadsHandler handles the downloads listing and deletion endpoints.
type DownloadsHandler struct {
	catalog repository.Catalog
	library *storage.Library
	logger  *slog.Logger
}

// NewDownloadsHandler creates a new downloads handler.
func NewDownloadsHandler(catalog repository.Catalog, library *storage.Library, logger *slog.Logger) *DownloadsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadsHandler{catalog: catalog, library: library, logger: logger}
}

// DownloadsListInput is the input for listing downloads.
type DownloadsListInput struct {
	UserID string `query:"userId" doc:"Restrict to one user's downloads"`
}

// DownloadsListOutput wraps the downloads listing.
type DownloadsListOutput struct {
	Body struct {
		Downloads []*models.Download `json:"downloads"`
		Count     int                `json:"count"`
	}
}

// DeleteDownloadInput addresses a download, optionally scoped to one user.
type DeleteDownloadInput struct {
	VideoID string `path:"videoId" doc:"11-character video ID"`
	UserID  string `query:"userId" doc:"Soft-delete for this user only; files stay while other owners remain"`
}

// DeleteDownloadOutput reports the deletion.
type DeleteDownloadOutput struct {
	Body struct {
		VideoID string `json:"video_id"`
		Deleted bool   `json:"deleted"`
	}
}

// KeepForeverInput toggles the eviction exemption.
type KeepForeverInput struct {
	VideoID string `path:"videoId" doc:"11-character video ID"`
	Body    struct {
		UserID string `json:"userId" doc:"Owner the hold belongs to"`
		Keep   bool   `json:"keep"`
	}
}

// KeepForeverOutput confirms the toggle.
type KeepForeverOutput struct {
	Body struct {
		VideoID     string `json:"video_id"`
		KeepForever bool   `json:"keep_forever"`
	}
}

// Register registers the downloads routes with the API.
func (h *DownloadsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listDownloads",
		Method:      http.MethodGet,
		Path:        "/api/downloader/downloads",
		Summary:     "List completed downloads",
		Tags:        []string{"Downloader"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "deleteDownload",
		Method:      http.MethodDelete,
		Path:        "/api/downloader/downloads/{videoId}",
		Summary:     "Delete a download",
		Description: "With userId, soft-deletes the user's claim; files are removed only when no active owner remains. Without userId, removes files and catalog row outright.",
		Tags:        []string{"Downloader"},
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "setKeepForever",
		Method:      http.MethodPost,
		Path:        "/api/downloader/downloads/{videoId}/keep",
		Summary:     "Toggle the keep-forever eviction exemption",
		Tags:        []string{"Downloader"},
	}, h.KeepForever)
}

// List returns downloads with extant files, optionally for one user.
func (h *DownloadsHandler) List(ctx context.Context, input *DownloadsListInput) (*DownloadsListOutput, error) {
	var (
		downloads []*models.Download
		err       error
	)
	if input.UserID != "" {
		downloads, err = h.catalog.GetUserDownloads(ctx, input.UserID)
	} else {
		downloads, err = h.catalog.ListDownloads(ctx)
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("listing downloads", err)
	}
	out := &DownloadsListOutput{}
	out.Body.Downloads = downloads
	out.Body.Count = len(downloads)
	return out, nil
}

// Delete removes a download. Per-user deletes are soft; the files go only
// when the last active owner releases the video.
func (h *DownloadsHandler) Delete(ctx context.Context, input *DeleteDownloadInput) (*DeleteDownloadOutput, error) {
	if !models.ValidVideoID(input.VideoID) {
		return nil, huma.Error400BadRequest("invalid video ID")
	}

	if _, err := h.catalog.GetDownload(ctx, input.VideoID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, huma.Error404NotFound("download not found")
		}
		return nil, huma.Error500InternalServerError("getting download", err)
	}

	out := &DeleteDownloadOutput{}
	out.Body.VideoID = input.VideoID

	if input.UserID != "" {
		if err := h.catalog.SoftDeleteUserVideo(ctx, input.VideoID, input.UserID); err != nil {
			return nil, huma.Error500InternalServerError("releasing user claim", err)
		}
		owners, err := h.catalog.GetActiveVideoOwners(ctx, input.VideoID)
		if err != nil {
			return nil, huma.Error500InternalServerError("listing owners", err)
		}
		if len(owners) > 0 {
			// Other owners still hold it; nothing else to do.
			return out, nil
		}
	}

	if err := h.library.RemoveVideoFiles(input.VideoID); err != nil {
		return nil, huma.Error500InternalServerError("removing files", err)
	}
	if err := h.catalog.DeleteDownload(ctx, input.VideoID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, huma.Error500InternalServerError("deleting catalog row", err)
	}

	out.Body.Deleted = true
	h.logger.Info("download deleted",
		slog.String("video_id", input.VideoID),
		slog.String("user_id", input.UserID),
	)
	return out, nil
}

// KeepForever toggles the per-owner eviction exemption.
func (h *DownloadsHandler) KeepForever(ctx context.Context, input *KeepForeverInput) (*KeepForeverOutput, error) {
	if !models.ValidVideoID(input.VideoID) {
		return nil, huma.Error400BadRequest("invalid video ID")
	}
	if input.Body.UserID == "" {
		return nil, huma.Error400BadRequest("userId is required")
	}
	if err := h.catalog.SetKeepForever(ctx, input.VideoID, input.Body.UserID, input.Body.Keep); err != nil {
		return nil, huma.Error500InternalServerError("setting keep-forever", err)
	}
	out := &KeepForeverOutput{}
	out.Body.VideoID = input.VideoID
	out.Body.KeepForever = input.Body.Keep
	return out, nil
}
