package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidarr/vidarr/internal/companion"
	"github.com/vidarr/vidarr/internal/database"
	"github.com/vidarr/vidarr/internal/fetch"
	"github.com/vidarr/vidarr/internal/ffmpeg"
	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/progress"
	"github.com/vidarr/vidarr/internal/repository"
	"github.com/vidarr/vidarr/internal/storage"
)

const vid = "dQw4w9WgXcQ"

type fakeResolver struct {
	info    *companion.VideoInfo
	infoErr error
}

func (f *fakeResolver) GetVideoInfo(ctx context.Context, videoID string) (*companion.VideoInfo, error) {
	return f.info, f.infoErr
}

func (f *fakeResolver) FetchThumbnail(ctx context.Context, info *companion.VideoInfo) ([]byte, string, error) {
	return []byte("webp"), "image/webp", nil
}

type fakeMuxer struct {
	muxCalls     int
	convertCalls int
	fail         error
}

func (m *fakeMuxer) Mux(ctx context.Context, req ffmpeg.MuxRequest) (*ffmpeg.MuxResult, error) {
	m.muxCalls++
	if m.fail != nil {
		return nil, m.fail
	}
	if err := os.WriteFile(req.OutputPath, []byte("muxed"), 0o640); err != nil {
		return nil, err
	}
	return &ffmpeg.MuxResult{OutputPath: req.OutputPath, DurationSeconds: 120}, nil
}

func (m *fakeMuxer) Convert(ctx context.Context, inputPath, outputPath string) (*ffmpeg.MuxResult, error) {
	m.convertCalls++
	if m.fail != nil {
		return nil, m.fail
	}
	if err := os.WriteFile(outputPath, []byte("converted"), 0o640); err != nil {
		return nil, err
	}
	return &ffmpeg.MuxResult{OutputPath: outputPath, DurationSeconds: 120}, nil
}

type fixture struct {
	store   *repository.Store
	library *storage.Library
	muxer   *fakeMuxer
	tracker *progress.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "downloads.db"), log)
	require.NoError(t, err)
	store := repository.New(db)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	library, err := storage.NewLibrary(dir)
	require.NoError(t, err)

	return &fixture{
		store:   store,
		library: library,
		muxer:   &fakeMuxer{},
		tracker: progress.NewTracker(),
	}
}

func (f *fixture) pipeline(t *testing.T, resolver InfoResolver) *Pipeline {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f.store, resolver, f.muxer, f.library, f.tracker, Config{Quality: "best"}, log)
}

func (f *fixture) claimItem(t *testing.T) *models.QueueItem {
	t.Helper()
	ctx := context.Background()
	item, err := f.store.AddToQueue(ctx, repository.AddToQueueInput{
		VideoID: vid, UserID: "alice", Source: models.SourceManual,
	})
	require.NoError(t, err)
	ok, err := f.store.ClaimForDownload(ctx, vid)
	require.NoError(t, err)
	require.True(t, ok)
	return item
}

func streamServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
}

func adaptiveInfo(videoURL, audioURL string) *companion.VideoInfo {
	return &companion.VideoInfo{
		VideoID:       vid,
		Title:         "Test Video",
		Author:        "Channel",
		ChannelID:     "UCchannel001",
		LengthSeconds: 212,
		AdaptiveFormats: []companion.Format{
			{Itag: 137, URL: videoURL, MimeType: `video/mp4; codecs="avc1"`, Height: 1080, Bitrate: 4_000_000},
			{Itag: 140, URL: audioURL, MimeType: `audio/mp4; codecs="mp4a"`, Bitrate: 128_000},
		},
	}
}

func TestRunAdaptiveSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vsrv := streamServer(t, []byte("video-bytes"))
	defer vsrv.Close()
	asrv := streamServer(t, []byte("audio-bytes"))
	defer asrv.Close()

	item := f.claimItem(t)
	p := f.pipeline(t, &fakeResolver{info: adaptiveInfo(vsrv.URL, asrv.URL)})
	require.NoError(t, p.Run(ctx, item))

	// Elementary streams published under their itag names.
	videoPath, _ := f.library.VideoStreamPath(vid, 137, "mp4")
	audioPath, _ := f.library.AudioStreamPath(vid, 140, "m4a")
	assert.True(t, storage.Exists(videoPath))
	assert.True(t, storage.Exists(audioPath))

	// Muxed output, thumbnail, sidecar.
	muxedPath, _ := f.library.MuxedPath(vid)
	thumbPath, _ := f.library.ThumbnailPath(vid)
	sidecarPath, _ := f.library.SidecarPath(vid)
	assert.True(t, storage.Exists(muxedPath))
	assert.True(t, storage.Exists(thumbPath))
	assert.True(t, storage.Exists(sidecarPath))

	var doc map[string]any
	data, err := os.ReadFile(sidecarPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "Test Video", doc["title"])

	// Tmp files gone.
	tmpVideo, _ := f.library.TmpVideoPath(vid)
	assert.False(t, storage.Exists(tmpVideo))

	// Catalog row and queue state.
	d, err := f.store.GetDownload(ctx, vid)
	require.NoError(t, err)
	assert.Equal(t, 120, d.DurationSeconds)
	assert.Equal(t, models.SourceManual, d.Source)
	require.NotNil(t, d.Metadata.Video)
	assert.Equal(t, 137, d.Metadata.Video.Itag)

	q, err := f.store.GetQueueItem(ctx, vid)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, q.Status)

	// Progress entry removed at terminal state.
	assert.Equal(t, 0, f.tracker.Count())
	assert.Equal(t, 1, f.muxer.muxCalls)
}

func TestRunCombinedMP4SkipsMuxer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	srv := streamServer(t, []byte("combined-bytes"))
	defer srv.Close()

	info := &companion.VideoInfo{
		VideoID: vid, Title: "T", ChannelID: "UCchannel001", LengthSeconds: 99,
		CombinedFormats: []companion.Format{
			{Itag: 18, URL: srv.URL, MimeType: `video/mp4; codecs="avc1"`, Height: 360, Bitrate: 500_000},
		},
	}

	item := f.claimItem(t)
	p := f.pipeline(t, &fakeResolver{info: info})
	require.NoError(t, p.Run(ctx, item))

	muxedPath, _ := f.library.MuxedPath(vid)
	data, err := os.ReadFile(muxedPath)
	require.NoError(t, err)
	assert.Equal(t, "combined-bytes", string(data))
	assert.Equal(t, 0, f.muxer.muxCalls)
	assert.Equal(t, 0, f.muxer.convertCalls)

	d, err := f.store.GetDownload(ctx, vid)
	require.NoError(t, err)
	assert.Equal(t, 99, d.DurationSeconds) // falls back to metadata length
	require.NotNil(t, d.Metadata.Combined)
}

func TestRunNoStreams(t *testing.T) {
	f := newFixture(t)

	item := f.claimItem(t)
	p := f.pipeline(t, &fakeResolver{info: &companion.VideoInfo{VideoID: vid, Title: "T"}})
	err := p.Run(context.Background(), item)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no suitable streams found")
}

func TestRunResolverFailurePropagates(t *testing.T) {
	f := newFixture(t)

	item := f.claimItem(t)
	p := f.pipeline(t, &fakeResolver{infoErr: companion.ErrVideoUnavailable})
	err := p.Run(context.Background(), item)
	require.ErrorIs(t, err, companion.ErrVideoUnavailable)
}

func TestRunStartFreshResetsToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Server ignores Range requests entirely.
	srv := streamServer(t, []byte("full-body"))
	defer srv.Close()

	// Non-empty tmp forces a resume attempt.
	tmpVideo, _ := f.library.TmpVideoPath(vid)
	require.NoError(t, os.WriteFile(tmpVideo, []byte("partial"), 0o640))

	vsrv := srv
	item := f.claimItem(t)
	p := f.pipeline(t, &fakeResolver{info: adaptiveInfo(vsrv.URL, vsrv.URL)})

	err := p.Run(ctx, item)
	require.ErrorIs(t, err, fetch.ErrStartFresh)

	// Tmp files wiped, item back to pending, no retry consumed.
	assert.False(t, storage.Exists(tmpVideo))
	q, getErr := f.store.GetQueueItem(ctx, vid)
	require.NoError(t, getErr)
	assert.Equal(t, models.QueueStatusPending, q.Status)
	assert.Equal(t, 0, q.RetryCount)
}

func TestRunMuxFailureCleansTmp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vsrv := streamServer(t, []byte("video-bytes"))
	defer vsrv.Close()
	asrv := streamServer(t, []byte("audio-bytes"))
	defer asrv.Close()

	f.muxer.fail = &ffmpeg.ProcessError{ExitCode: 1, Stderr: "boom"}

	item := f.claimItem(t)
	p := f.pipeline(t, &fakeResolver{info: adaptiveInfo(vsrv.URL, asrv.URL)})
	err := p.Run(ctx, item)
	require.Error(t, err)

	tmpVideo, _ := f.library.TmpVideoPath(vid)
	tmpAudio, _ := f.library.TmpAudioPath(vid)
	assert.False(t, storage.Exists(tmpVideo))
	assert.False(t, storage.Exists(tmpAudio))

	// No catalog row on failure.
	_, err = f.store.GetDownload(ctx, vid)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// The muxing status was persisted before the muxer ran, so a reader
	// (or crash recovery) sees where the run stopped.
	q, getErr := f.store.GetQueueItem(ctx, vid)
	require.NoError(t, getErr)
	assert.Equal(t, models.QueueStatusMuxing, q.Status)
}
