// Package pipeline executes one download end to end: resolve metadata,
// select streams, fetch the elementary streams with resume support, mux the
// progressive container, and record the result in the catalog.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/vidarr/vidarr/internal/companion"
	"github.com/vidarr/vidarr/internal/fetch"
	"github.com/vidarr/vidarr/internal/ffmpeg"
	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/progress"
	"github.com/vidarr/vidarr/internal/repository"
	"github.com/vidarr/vidarr/internal/storage"
)

// InfoResolver resolves video metadata and stream URLs.
type InfoResolver interface {
	GetVideoInfo(ctx context.Context, videoID string) (*companion.VideoInfo, error)
	FetchThumbnail(ctx context.Context, info *companion.VideoInfo) ([]byte, string, error)
}

// StreamMuxer drives the external muxer.
type StreamMuxer interface {
	Mux(ctx context.Context, req ffmpeg.MuxRequest) (*ffmpeg.MuxResult, error)
	Convert(ctx context.Context, inputPath, outputPath string) (*ffmpeg.MuxResult, error)
}

// Config holds the pipeline tunables.
type Config struct {
	// Quality is the stream preference (best, worst, <N>p).
	Quality string

	// RateLimit caps each transfer in bytes/s; zero is unlimited.
	RateLimit int64

	// Throttle enables slow-transfer detection; nil disables it.
	Throttle *fetch.ThrottleConfig
}

// Pipeline runs downloads. Create with New.
type Pipeline struct {
	catalog   repository.Catalog
	companion InfoResolver
	muxer     StreamMuxer
	library   *storage.Library
	tracker   *progress.Tracker
	cfg       Config
	logger    *slog.Logger
}

// New creates a Pipeline.
func New(catalog repository.Catalog, resolver InfoResolver, muxer StreamMuxer,
	library *storage.Library, tracker *progress.Tracker, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		catalog:   catalog,
		companion: resolver,
		muxer:     muxer,
		library:   library,
		tracker:   tracker,
		cfg:       cfg,
		logger:    log.With("component", "pipeline"),
	}
}

// Run executes one download for an already-claimed queue item. Returning nil
// means the item is completed in the catalog. Distinguished errors:
// fetch.ErrThrottled (the caller decides whether to re-fetch) and
// fetch.ErrStartFresh (the item was already returned to pending; the caller
// must not count a retry). Everything else goes through the caller's
// failure classifier. No error escapes unwrapped: a panic in any stage is
// converted into a plain failure.
func (p *Pipeline) Run(ctx context.Context, item *models.QueueItem) (err error) {
	videoID := item.VideoID
	log := p.logger.With(slog.String("video_id", videoID))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("download failed: %v", r)
			log.Error("pipeline panic recovered", slog.Any("panic", r))
		}
	}()

	p.tracker.Begin(videoID, "")
	defer p.tracker.End(videoID)

	info, err := p.companion.GetVideoInfo(ctx, videoID)
	if err != nil {
		return err
	}
	p.tracker.SetTitle(videoID, info.Title)

	sel, err := companion.SelectBestStreams(info, p.cfg.Quality)
	if err != nil {
		if errors.Is(err, companion.ErrNoStreams) {
			return fmt.Errorf("no suitable streams found for %s", videoID)
		}
		return err
	}

	if sel.Combined != nil {
		return p.runCombined(ctx, log, item, info, sel.Combined)
	}
	return p.runAdaptive(ctx, log, item, info, sel)
}

// runAdaptive downloads separate video and audio streams and muxes them.
func (p *Pipeline) runAdaptive(ctx context.Context, log *slog.Logger, item *models.QueueItem,
	info *companion.VideoInfo, sel *companion.StreamSelection) error {
	videoID := item.VideoID

	tmpVideo, err := p.library.TmpVideoPath(videoID)
	if err != nil {
		return err
	}
	tmpAudio, err := p.library.TmpAudioPath(videoID)
	if err != nil {
		return err
	}

	resume := storage.FileSize(tmpVideo) > 0 || storage.FileSize(tmpAudio) > 0
	if resume {
		log.Info("resuming interrupted download")
	}

	if err := p.fetchStream(ctx, item, progress.StageDownloadingVideo, sel.Video.URL, tmpVideo, resume); err != nil {
		return err
	}
	if err := p.fetchStream(ctx, item, progress.StageDownloadingAudio, sel.Audio.URL, tmpAudio, resume); err != nil {
		return err
	}

	videoPath, err := p.library.VideoStreamPath(videoID, sel.Video.Itag, sel.Video.Ext())
	if err != nil {
		return err
	}
	audioPath, err := p.library.AudioStreamPath(videoID, sel.Audio.Itag, sel.Audio.Ext())
	if err != nil {
		return err
	}
	if err := os.Rename(tmpVideo, videoPath); err != nil {
		return fmt.Errorf("publishing video stream: %w", err)
	}
	if err := os.Rename(tmpAudio, audioPath); err != nil {
		return fmt.Errorf("publishing audio stream: %w", err)
	}

	muxedPath, err := p.library.MuxedPath(videoID)
	if err != nil {
		return err
	}

	p.setMuxing(ctx, log, videoID)
	result, err := p.muxer.Mux(ctx, ffmpeg.MuxRequest{
		VideoPath:   videoPath,
		AudioPath:   audioPath,
		OutputPath:  muxedPath,
		CopyStreams: true,
		Faststart:   true,
		Overwrite:   true,
	})
	p.removeTmp(videoID)
	if err != nil {
		return err
	}

	duration := result.DurationSeconds
	if duration == 0 {
		duration = info.LengthSeconds
	}

	meta := models.DownloadMetadata{
		Author:      info.Author,
		Description: info.Description,
		Video:       streamDetail(sel.Video),
		Audio:       streamDetail(sel.Audio),
		VideoExt:    sel.Video.Ext(),
		AudioExt:    sel.Audio.Ext(),
	}
	return p.finish(ctx, log, item, info, muxedPath, duration, meta)
}

// runCombined downloads a single progressive stream. An mp4 needs only a
// rename into place; anything else is remuxed into the mp4 container.
func (p *Pipeline) runCombined(ctx context.Context, log *slog.Logger, item *models.QueueItem,
	info *companion.VideoInfo, combined *companion.Format) error {
	videoID := item.VideoID

	tmpVideo, err := p.library.TmpVideoPath(videoID)
	if err != nil {
		return err
	}
	resume := storage.FileSize(tmpVideo) > 0
	if resume {
		log.Info("resuming interrupted download")
	}

	if err := p.fetchStream(ctx, item, progress.StageDownloadingVideo, combined.URL, tmpVideo, resume); err != nil {
		return err
	}

	muxedPath, err := p.library.MuxedPath(videoID)
	if err != nil {
		return err
	}

	var duration int
	if combined.Ext() == "mp4" {
		if err := os.Rename(tmpVideo, muxedPath); err != nil {
			return fmt.Errorf("publishing combined stream: %w", err)
		}
	} else {
		p.setMuxing(ctx, log, videoID)
		result, err := p.muxer.Convert(ctx, tmpVideo, muxedPath)
		p.removeTmp(videoID)
		if err != nil {
			return err
		}
		duration = result.DurationSeconds
	}
	if duration == 0 {
		duration = info.LengthSeconds
	}

	meta := models.DownloadMetadata{
		Author:      info.Author,
		Description: info.Description,
		Combined:    streamDetail(combined),
	}
	return p.finish(ctx, log, item, info, muxedPath, duration, meta)
}

// setMuxing moves the item into the muxing stage, in memory and in the
// catalog so API readers and crash recovery both see it.
func (p *Pipeline) setMuxing(ctx context.Context, log *slog.Logger, videoID string) {
	p.tracker.SetStage(videoID, progress.StageMuxing, false)
	if err := p.catalog.UpdateQueueStatus(ctx, videoID, models.QueueStatusMuxing, ""); err != nil {
		log.Error("recording muxing status", slog.String("error", err.Error()))
	}
}

// fetchStream downloads one stream with the distinguished-failure policy: a
// startFresh on a resumed transfer wipes the tmp files, returns the item to
// pending, and does not consume a retry.
func (p *Pipeline) fetchStream(ctx context.Context, item *models.QueueItem, stage progress.Stage,
	url, outputPath string, resume bool) error {
	videoID := item.VideoID
	p.tracker.SetStage(videoID, stage, resume)

	_, err := fetch.DownloadToFile(ctx, url, outputPath, fetch.Options{
		RateLimit: p.cfg.RateLimit,
		Resume:    resume,
		Throttle:  p.cfg.Throttle,
		Logger:    p.logger,
		OnProgress: func(pr fetch.Progress) {
			p.tracker.Update(videoID, pr.BytesWritten, pr.TotalBytes, pr.Speed)
		},
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, fetch.ErrStartFresh) && resume {
		p.removeTmp(videoID)
		if updErr := p.catalog.UpdateQueueStatus(ctx, videoID, models.QueueStatusPending, ""); updErr != nil {
			p.logger.Error("resetting queue item after refused resume",
				slog.String("video_id", videoID),
				slog.String("error", updErr.Error()),
			)
		}
		return fetch.ErrStartFresh
	}
	return err
}

// finish captures the thumbnail and sidecar, records the download, and
// completes the queue item.
func (p *Pipeline) finish(ctx context.Context, log *slog.Logger, item *models.QueueItem,
	info *companion.VideoInfo, muxedPath string, duration int, meta models.DownloadMetadata) error {
	videoID := item.VideoID

	thumbPath := p.captureThumbnail(ctx, log, info)
	p.writeSidecar(log, info, duration, meta)

	download := &models.Download{
		VideoID:         videoID,
		ChannelID:       info.ChannelID,
		Title:           info.Title,
		DurationSeconds: duration,
		Quality:         p.cfg.Quality,
		FilePath:        muxedPath,
		ThumbnailPath:   thumbPath,
		Metadata:        meta,
		FileSizeBytes:   storage.FileSize(muxedPath),
		DownloadedAt:    models.Now(),
		Source:          item.Source,
	}
	if err := p.catalog.AddDownload(ctx, download); err != nil {
		return fmt.Errorf("recording download: %w", err)
	}
	if err := p.catalog.UpdateQueueStatus(ctx, videoID, models.QueueStatusCompleted, ""); err != nil {
		return fmt.Errorf("completing queue item: %w", err)
	}

	log.Info("download complete",
		slog.String("title", info.Title),
		slog.Int("duration_seconds", duration),
		slog.Int64("size_bytes", download.FileSizeBytes),
	)
	return nil
}

// captureThumbnail stores the thumbnail next to the video. Best effort.
func (p *Pipeline) captureThumbnail(ctx context.Context, log *slog.Logger, info *companion.VideoInfo) string {
	path, err := p.library.ThumbnailPath(info.VideoID)
	if err != nil {
		return ""
	}

	data, _, err := p.companion.FetchThumbnail(ctx, info)
	if err != nil {
		log.Warn("thumbnail capture failed", slog.String("error", err.Error()))
		return ""
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		log.Warn("thumbnail write failed", slog.String("error", err.Error()))
		return ""
	}
	return path
}

// sidecar is the {id}.json metadata document.
type sidecar struct {
	VideoID         string                  `json:"video_id"`
	Title           string                  `json:"title"`
	Author          string                  `json:"author"`
	ChannelID       string                  `json:"channel_id"`
	Description     string                  `json:"description,omitempty"`
	DurationSeconds int                     `json:"duration_seconds"`
	DownloadedAt    time.Time               `json:"downloaded_at"`
	Metadata        models.DownloadMetadata `json:"metadata"`
}

// writeSidecar persists the metadata sidecar. Best effort.
func (p *Pipeline) writeSidecar(log *slog.Logger, info *companion.VideoInfo, duration int, meta models.DownloadMetadata) {
	path, err := p.library.SidecarPath(info.VideoID)
	if err != nil {
		return
	}

	doc := sidecar{
		VideoID:         info.VideoID,
		Title:           info.Title,
		Author:          info.Author,
		ChannelID:       info.ChannelID,
		Description:     info.Description,
		DurationSeconds: duration,
		DownloadedAt:    time.Now().UTC(),
		Metadata:        meta,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		log.Warn("sidecar write failed", slog.String("error", err.Error()))
	}
}

// removeTmp deletes both in-progress fetch files. Missing files are fine.
func (p *Pipeline) removeTmp(videoID string) {
	if path, err := p.library.TmpVideoPath(videoID); err == nil {
		os.Remove(path)
	}
	if path, err := p.library.TmpAudioPath(videoID); err == nil {
		os.Remove(path)
	}
}

func streamDetail(f *companion.Format) *models.StreamDetail {
	if f == nil {
		return nil
	}
	return &models.StreamDetail{
		Itag:          f.Itag,
		MimeType:      f.MimeType,
		Bitrate:       f.Bitrate,
		ContentLength: f.ContentLength,
		Width:         f.Width,
		Height:        f.Height,
	}
}
