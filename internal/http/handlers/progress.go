package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/danielgtaylor/huma/v2"

	"github.com/vidarr/vidarr/internal/progress"
)

// ProgressHandler handles the live-progress polling endpoint.
type ProgressHandler struct {
	tracker *progress.Tracker
}

// NewProgressHandler creates a new progress handler.
func NewProgressHandler(tracker *progress.Tracker) *ProgressHandler {
	return &ProgressHandler{tracker: tracker}
}

// ProgressEntry is one active download with its derived percentage.
type ProgressEntry struct {
	progress.Snapshot
	Percent float64 `json:"percent"`
}

// ProgressOutput wraps the active-progress listing.
type ProgressOutput struct {
	Body struct {
		Active []ProgressEntry `json:"active"`
		Count  int             `json:"count"`
	}
}

// Register registers the progress route with the API.
func (h *ProgressHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getProgress",
		Method:      http.MethodGet,
		Path:        "/api/downloader/progress",
		Summary:     "Live download progress",
		Tags:        []string{"Downloader"},
	}, h.Get)
}

// Get returns a snapshot of every active download, oldest first.
func (h *ProgressHandler) Get(ctx context.Context, _ *struct{}) (*ProgressOutput, error) {
	snaps := h.tracker.Snapshots()
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].StartedAt.Before(snaps[j].StartedAt)
	})

	out := &ProgressOutput{}
	out.Body.Active = make([]ProgressEntry, 0, len(snaps))
	for _, s := range snaps {
		out.Body.Active = append(out.Body.Active, ProgressEntry{
			Snapshot: s,
			Percent:  s.Percent(),
		})
	}
	out.Body.Count = len(snaps)
	return out, nil
}
