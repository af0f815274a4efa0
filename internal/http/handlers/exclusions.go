package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/repository"
)

// ExclusionsHandler handles the channel-exclusion endpoints.
type ExclusionsHandler struct {
	catalog repository.Catalog
	logger  *slog.Logger
}

// NewExclusionsHandler creates a new exclusions handler.
func NewExclusionsHandler(catalog repository.Catalog, logger *slog.Logger) *ExclusionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExclusionsHandler{catalog: catalog, logger: logger}
}

// ExclusionsListOutput wraps the exclusion listing.
type ExclusionsListOutput struct {
	Body struct {
		Exclusions []*models.ChannelExclusion `json:"exclusions"`
		Count      int                        `json:"count"`
	}
}

// AddExclusionInput is the input for excluding a channel.
type AddExclusionInput struct {
	Body struct {
		ChannelID string `json:"channelId" doc:"Upstream channel ID to mute"`
		UserID    string `json:"userId,omitempty" doc:"Scope to one user; empty mutes for everyone"`
	}
}

// ExclusionOutput confirms an exclusion change.
type ExclusionOutput struct {
	Status int
	Body   struct {
		ChannelID string `json:"channel_id"`
		UserID    string `json:"user_id,omitempty"`
	}
}

// RemoveExclusionInput addresses an exclusion.
type RemoveExclusionInput struct {
	ChannelID string `path:"channelId" doc:"Channel ID"`
	UserID    string `query:"userId" doc:"Scope; empty addresses the global exclusion"`
}

// Register registers the exclusion routes with the API.
func (h *ExclusionsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listExclusions",
		Method:      http.MethodGet,
		Path:        "/api/downloader/exclusions",
		Summary:     "List channel exclusions",
		Tags:        []string{"Downloader"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID:   "addExclusion",
		Method:        http.MethodPost,
		Path:          "/api/downloader/exclusions",
		Summary:       "Exclude a channel from the watcher",
		Tags:          []string{"Downloader"},
		DefaultStatus: http.StatusCreated,
	}, h.Add)

	huma.Register(api, huma.Operation{
		OperationID: "removeExclusion",
		Method:      http.MethodDelete,
		Path:        "/api/downloader/exclusions/{channelId}",
		Summary:     "Remove a channel exclusion",
		Tags:        []string{"Downloader"},
	}, h.Remove)
}

// List returns every exclusion row.
func (h *ExclusionsHandler) List(ctx context.Context, _ *struct{}) (*ExclusionsListOutput, error) {
	exclusions, err := h.catalog.ListExclusions(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing exclusions", err)
	}
	out := &ExclusionsListOutput{}
	out.Body.Exclusions = exclusions
	out.Body.Count = len(exclusions)
	return out, nil
}

// Add mutes a channel.
func (h *ExclusionsHandler) Add(ctx context.Context, input *AddExclusionInput) (*ExclusionOutput, error) {
	if input.Body.ChannelID == "" {
		return nil, huma.Error400BadRequest("channelId is required")
	}
	if err := h.catalog.AddExclusion(ctx, input.Body.ChannelID, input.Body.UserID); err != nil {
		return nil, huma.Error500InternalServerError("adding exclusion", err)
	}
	h.logger.Info("channel excluded",
		slog.String("channel_id", input.Body.ChannelID),
		slog.String("user_id", input.Body.UserID),
	)
	out := &ExclusionOutput{Status: http.StatusCreated}
	out.Body.ChannelID = input.Body.ChannelID
	out.Body.UserID = input.Body.UserID
	return out, nil
}

// Remove unmutes a channel.
func (h *ExclusionsHandler) Remove(ctx context.Context, input *RemoveExclusionInput) (*ExclusionOutput, error) {
	if input.ChannelID == "" {
		return nil, huma.Error400BadRequest("channelId is required")
	}
	if err := h.catalog.RemoveExclusion(ctx, input.ChannelID, input.UserID); err != nil {
		return nil, huma.Error500InternalServerError("removing exclusion", err)
	}
	out := &ExclusionOutput{Status: http.StatusOK}
	out.Body.ChannelID = input.ChannelID
	out.Body.UserID = input.UserID
	return out, nil
}
