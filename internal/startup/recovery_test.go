package startup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidarr/vidarr/internal/database"
	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/repository"
	"github.com/vidarr/vidarr/internal/storage"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T, dir string) *repository.Store {
	t.Helper()
	db, err := database.Open(filepath.Join(dir, "downloads.db"), newTestLogger())
	require.NoError(t, err)
	store := repository.New(db)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecoverQueue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())
	logger := newTestLogger()

	seed := func(videoID string, status models.QueueStatus) {
		_, err := store.AddToQueue(ctx, repository.AddToQueueInput{
			VideoID: videoID,
			Source:  models.SourceManual,
		})
		require.NoError(t, err)
		require.NoError(t, store.UpdateQueueStatus(ctx, videoID, status, ""))
	}
	seed("aaaaaaaaaaa", models.QueueStatusDownloading)
	seed("bbbbbbbbbbb", models.QueueStatusMuxing)
	seed("ccccccccccc", models.QueueStatusPending)
	seed("ddddddddddd", models.QueueStatusCompleted)

	recovered, err := RecoverQueue(ctx, logger, store)
	require.NoError(t, err)
	assert.Equal(t, int64(2), recovered)

	for _, id := range []string{"aaaaaaaaaaa", "bbbbbbbbbbb", "ccccccccccc"} {
		item, err := store.GetQueueItem(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.QueueStatusPending, item.Status, id)
	}
	item, err := store.GetQueueItem(ctx, "ddddddddddd")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, item.Status)
}

func TestRecoverQueueNothingToDo(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	recovered, err := RecoverQueue(context.Background(), newTestLogger(), store)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestCollectStaleTmp(t *testing.T) {
	dir := t.TempDir()
	library, err := storage.NewLibrary(dir)
	require.NoError(t, err)

	stale := filepath.Join(dir, "aaaaaaaaaaa_video.tmp")
	fresh := filepath.Join(dir, "bbbbbbbbbbb_audio.tmp")
	keeper := filepath.Join(dir, "ccccccccccc.mp4")
	for _, path := range []string{stale, fresh, keeper} {
		require.NoError(t, os.WriteFile(path, []byte("partial"), 0o640))
	}
	old := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(keeper, old, old))

	removed, err := CollectStaleTmp(newTestLogger(), library, DefaultTmpMaxAge)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale tmp file should be removed")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh tmp file should be preserved")
	_, err = os.Stat(keeper)
	assert.NoError(t, err, "completed container should never be touched")
}

func TestRunPerformsAllTasks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestStore(t, dir)
	library, err := storage.NewLibrary(dir)
	require.NoError(t, err)

	_, err = store.AddToQueue(ctx, repository.AddToQueueInput{
		VideoID: "aaaaaaaaaaa",
		Source:  models.SourceSubscription,
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateQueueStatus(ctx, "aaaaaaaaaaa", models.QueueStatusDownloading, ""))

	stale := filepath.Join(dir, "aaaaaaaaaaa_video.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o640))
	old := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	require.NoError(t, Run(ctx, newTestLogger(), store, library, 0))

	item, err := store.GetQueueItem(ctx, "aaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}
