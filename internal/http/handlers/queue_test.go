package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidarr/vidarr/internal/database"
	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/repository"
)

const vid = "dQw4w9WgXcQ"

// fakeController cancels by writing the row directly, like the processor
// does for pending items.
type fakeController struct {
	store     *repository.Store
	wakes     int
	cancelled []string
}

func (f *fakeController) CancelDownload(ctx context.Context, videoID string) error {
	f.cancelled = append(f.cancelled, videoID)
	return f.store.UpdateQueueStatus(ctx, videoID, models.QueueStatusCancelled, "")
}

func (f *fakeController) Wake() { f.wakes++ }

func (f *fakeController) ActiveCount() int { return 0 }

func newQueueFixture(t *testing.T) (*QueueHandler, *repository.Store, *fakeController) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Open(filepath.Join(t.TempDir(), "downloads.db"), log)
	require.NoError(t, err)
	store := repository.New(db)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	ctrl := &fakeController{store: store}
	return NewQueueHandler(store, ctrl, log), store, ctrl
}

func addInput(videoID, userID string) *AddQueueInput {
	in := &AddQueueInput{}
	in.Body.VideoID = videoID
	in.Body.UserID = userID
	return in
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var se huma.StatusError
	require.ErrorAs(t, err, &se)
	return se.GetStatus()
}

func TestQueueAddCreatesPendingItem(t *testing.T) {
	h, _, ctrl := newQueueFixture(t)

	out, err := h.Add(context.Background(), addInput(vid, "alice"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, out.Status)
	assert.Equal(t, models.QueueStatusPending, out.Body.Status)
	assert.Equal(t, 1, ctrl.wakes)
}

func TestQueueAddDefaultsPriorityAboveSubscriptions(t *testing.T) {
	h, _, _ := newQueueFixture(t)

	out, err := h.Add(context.Background(), addInput(vid, "alice"))
	require.NoError(t, err)
	assert.Equal(t, defaultManualPriority, out.Body.Priority)
}

func TestQueueAddExplicitPriorityWins(t *testing.T) {
	h, _, _ := newQueueFixture(t)

	in := addInput(vid, "alice")
	zero := 0
	in.Body.Priority = &zero

	out, err := h.Add(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Body.Priority)
}

func TestQueueAddDuplicateConflicts(t *testing.T) {
	h, _, _ := newQueueFixture(t)
	ctx := context.Background()

	_, err := h.Add(ctx, addInput(vid, "alice"))
	require.NoError(t, err)

	_, err = h.Add(ctx, addInput(vid, "bob"))
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, statusOf(t, err))
}

func TestQueueAddAfterTerminalResurrects(t *testing.T) {
	h, store, _ := newQueueFixture(t)
	ctx := context.Background()

	_, err := h.Add(ctx, addInput(vid, "alice"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateQueueStatus(ctx, vid, models.QueueStatusFailed, "boom"))

	out, err := h.Add(ctx, addInput(vid, "alice"))
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, out.Body.Status)
	assert.Empty(t, out.Body.ErrorMessage)
}

func TestQueueAddRejectsBadID(t *testing.T) {
	h, _, _ := newQueueFixture(t)

	_, err := h.Add(context.Background(), addInput("nope", "alice"))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
}

func TestQueueCancelReturnsCancelledItem(t *testing.T) {
	h, _, ctrl := newQueueFixture(t)
	ctx := context.Background()

	_, err := h.Add(ctx, addInput(vid, "alice"))
	require.NoError(t, err)

	out, err := h.Cancel(ctx, &VideoIDInput{VideoID: vid})
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCancelled, out.Body.Status)
	assert.Equal(t, []string{vid}, ctrl.cancelled)
}

func TestQueueCancelMissingIs404(t *testing.T) {
	h, _, _ := newQueueFixture(t)

	_, err := h.Cancel(context.Background(), &VideoIDInput{VideoID: vid})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestQueueListScopedToUser(t *testing.T) {
	h, _, _ := newQueueFixture(t)
	ctx := context.Background()

	_, err := h.Add(ctx, addInput(vid, "alice"))
	require.NoError(t, err)
	_, err = h.Add(ctx, addInput("aaaaaaaaaaa", "bob"))
	require.NoError(t, err)

	all, err := h.List(ctx, &QueueListInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Body.Count)

	mine, err := h.List(ctx, &QueueListInput{UserID: "alice"})
	require.NoError(t, err)
	require.Equal(t, 1, mine.Body.Count)
	assert.Equal(t, vid, mine.Body.Items[0].VideoID)
}

func TestQueueRetryResetsFailedItem(t *testing.T) {
	h, store, ctrl := newQueueFixture(t)
	ctx := context.Background()

	_, err := h.Add(ctx, addInput(vid, "alice"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateQueueStatus(ctx, vid, models.QueueStatusFailed, "boom"))

	out, err := h.Retry(ctx, &VideoIDInput{VideoID: vid})
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, out.Body.Status)
	assert.Equal(t, 0, out.Body.RetryCount)
	assert.Nil(t, out.Body.NextRetryAt)
	assert.Equal(t, 2, ctrl.wakes)
}

func TestQueueClearCompleted(t *testing.T) {
	h, store, _ := newQueueFixture(t)
	ctx := context.Background()

	_, err := h.Add(ctx, addInput(vid, "alice"))
	require.NoError(t, err)
	_, err = h.Add(ctx, addInput("aaaaaaaaaaa", "alice"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateQueueStatus(ctx, vid, models.QueueStatusCompleted, ""))

	out, err := h.ClearCompleted(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Body.Removed)

	list, err := h.List(ctx, &QueueListInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Body.Count)
}
