package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vidarr/vidarr/internal/mediainfo"
	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/repository"
	"github.com/vidarr/vidarr/internal/storage"
)

// CacheShim intercepts playback, manifest, and metadata routes, serving from
// the local cache when it can and deferring to the reverse proxy when it
// cannot.
type CacheShim struct {
	catalog   repository.Catalog
	library   *storage.Library
	inspector *mediainfo.Inspector
	proxy     http.Handler
	logger    *slog.Logger
}

// NewCacheShim creates a CacheShim.
func NewCacheShim(catalog repository.Catalog, library *storage.Library, inspector *mediainfo.Inspector, proxy http.Handler, log *slog.Logger) *CacheShim {
	if log == nil {
		log = slog.Default()
	}
	return &CacheShim{
		catalog:   catalog,
		library:   library,
		inspector: inspector,
		proxy:     proxy,
		logger:    log.With("component", "cache"),
	}
}

// Mount registers the cache routes and the catch-all proxy on the router.
// Must be called after the control-plane API so /api/downloader keeps
// precedence.
func (c *CacheShim) Mount(r chi.Router) {
	r.Get("/watch", c.handleWatch)
	r.Get("/api/v1/videos/{videoId}", c.handleVideoInfo)
	r.Get("/companion/api/manifest/dash/id/{videoId}", c.handleManifest)
	r.HandleFunc("/videoplayback", c.handlePlayback)
	r.HandleFunc("/videoplayback/*", c.handlePlayback)
	r.Get("/cached/{videoId}", c.handleCached)
	r.Get("/cached/{videoId}/thumbnail", c.handleCachedThumbnail)
	r.Get("/cached/{videoId}/metadata", c.handleCachedMetadata)
	r.Get("/latest_version", c.handleLatestVersion)
	r.NotFound(c.proxy.ServeHTTP)
}

// hasCachedStreams reports whether any elementary stream exists for the ID.
func (c *CacheShim) hasCachedStreams(videoID string) bool {
	streams, err := c.library.FindStreamFiles(videoID)
	return err == nil && len(streams) > 0
}

// muxedIfCached returns the muxed file path when it exists on disk.
func (c *CacheShim) muxedIfCached(videoID string) (string, bool) {
	path, err := c.library.MuxedPath(videoID)
	if err != nil {
		return "", false
	}
	return path, storage.Exists(path)
}

// handleWatch proxies the upstream page and injects a cache-state badge for
// valid video IDs.
func (c *CacheShim) handleWatch(w http.ResponseWriter, r *http.Request) {
	videoID := r.URL.Query().Get("v")
	if !models.ValidVideoID(videoID) {
		c.proxy.ServeHTTP(w, r)
		return
	}

	buf := newBufferedResponse()
	c.proxy.ServeHTTP(buf, r)

	contentType := buf.Header().Get("Content-Type")
	if buf.status != http.StatusOK || !strings.Contains(contentType, "text/html") {
		buf.flushTo(w)
		return
	}

	badge := c.badgeHTML(r.Context(), videoID)
	body := buf.body.Bytes()
	if i := bytes.LastIndex(body, []byte("</body>")); i >= 0 {
		injected := make([]byte, 0, len(body)+len(badge))
		injected = append(injected, body[:i]...)
		injected = append(injected, badge...)
		injected = append(injected, body[i:]...)
		body = injected
	}
	buf.replaceBody(body)
	buf.flushTo(w)
}

// badgeHTML renders the cache-state badge for the watch page.
func (c *CacheShim) badgeHTML(ctx context.Context, videoID string) []byte {
	state := "not cached"
	if _, ok := c.muxedIfCached(videoID); ok || c.hasCachedStreams(videoID) {
		state = "downloaded"
	} else if item, err := c.catalog.GetQueueItem(ctx, videoID); err == nil {
		switch item.Status {
		case models.QueueStatusDownloading, models.QueueStatusMuxing:
			state = "downloading"
		case models.QueueStatusPending:
			state = "queued"
		}
	}
	return []byte(fmt.Sprintf(
		`<div id="vidarr-badge" data-state=%q style="position:fixed;bottom:1em;right:1em;padding:.3em .6em;border-radius:4px;background:#222;color:#eee;font-size:.8em;z-index:9999">%s</div>`,
		strings.ReplaceAll(state, " ", "-"), state,
	))
}

// handleVideoInfo proxies the upstream metadata JSON, rewriting the adaptive
// format URLs to local playback routes when cached streams exist.
func (c *CacheShim) handleVideoInfo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoId")
	if !models.ValidVideoID(videoID) {
		c.proxy.ServeHTTP(w, r)
		return
	}

	streams, err := c.library.FindStreamFiles(videoID)
	if err != nil || len(streams) == 0 {
		c.proxy.ServeHTTP(w, r)
		return
	}

	buf := newBufferedResponse()
	c.proxy.ServeHTTP(buf, r)
	if buf.status != http.StatusOK {
		buf.flushTo(w)
		return
	}

	rewritten, err := rewriteVideoInfo(buf.body.Bytes(), videoID, streams)
	if err != nil {
		c.logger.Warn("rewriting video metadata failed",
			slog.String("video_id", videoID),
			slog.String("error", err.Error()),
		)
		buf.flushTo(w)
		return
	}
	buf.replaceBody(rewritten)
	buf.flushTo(w)
}

// rewriteVideoInfo points cached adaptive formats at /videoplayback and
// clears the upstream adaptive manifest URL. Progressive formatStreams pass
// through untouched.
func rewriteVideoInfo(body []byte, videoID string, streams []storage.StreamFile) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing upstream metadata: %w", err)
	}

	cached := make(map[int]struct{}, len(streams))
	for _, s := range streams {
		cached[s.Itag] = struct{}{}
	}

	var formats []map[string]any
	if raw, ok := doc["adaptiveFormats"]; ok {
		if err := json.Unmarshal(raw, &formats); err != nil {
			return nil, fmt.Errorf("parsing adaptiveFormats: %w", err)
		}
	}

	kept := make([]map[string]any, 0, len(formats))
	for _, f := range formats {
		itag, ok := formatItag(f)
		if !ok {
			continue
		}
		if _, ok := cached[itag]; !ok {
			continue
		}
		f["url"] = fmt.Sprintf("/videoplayback?v=%s&itag=%d", videoID, itag)
		kept = append(kept, f)
	}

	encoded, err := json.Marshal(kept)
	if err != nil {
		return nil, fmt.Errorf("encoding adaptiveFormats: %w", err)
	}
	doc["adaptiveFormats"] = encoded
	doc["dashUrl"] = json.RawMessage(
		strconv.Quote("/companion/api/manifest/dash/id/" + videoID))

	return json.Marshal(doc)
}

// formatItag reads the itag field, which upstreams serve either as a number
// or a quoted string.
func formatItag(f map[string]any) (int, bool) {
	switch v := f["itag"].(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// handleManifest synthesizes the adaptive manifest over cached streams, or
// proxies when the cache cannot answer.
func (c *CacheShim) handleManifest(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoId")
	if !models.ValidVideoID(videoID) {
		c.proxy.ServeHTTP(w, r)
		return
	}

	streams, err := c.library.FindStreamFiles(videoID)
	if err != nil || len(streams) == 0 {
		c.proxy.ServeHTTP(w, r)
		return
	}

	var video, audio *storage.StreamFile
	for i := range streams {
		switch streams[i].Kind {
		case "video":
			if video == nil {
				video = &streams[i]
			}
		case "audio":
			if audio == nil {
				audio = &streams[i]
			}
		}
	}
	if video == nil || audio == nil {
		c.proxy.ServeHTTP(w, r)
		return
	}

	duration := 0
	if d, err := c.catalog.GetDownload(r.Context(), videoID); err == nil {
		duration = d.DurationSeconds
	}

	manifest, err := buildManifest(videoID,
		manifestStream{file: *video, ranges: c.streamRanges(video.Path)},
		manifestStream{file: *audio, ranges: c.streamRanges(audio.Path)},
		duration,
	)
	if err != nil {
		c.logger.Error("synthesizing manifest",
			slog.String("video_id", videoID),
			slog.String("error", err.Error()),
		)
		c.proxy.ServeHTTP(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/dash+xml")
	w.Header().Set("Content-Length", strconv.Itoa(len(manifest)))
	_, _ = w.Write(manifest)
}

// streamRanges reads init/index byte ranges off the stream file, tolerating
// parse failures with the "0-0" fallback the manifest accepts.
func (c *CacheShim) streamRanges(path string) mediainfo.Ranges {
	ranges, err := c.inspector.Ranges(path)
	if err != nil {
		c.logger.Debug("byte-range parse failed, using fallback",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return mediainfo.Ranges{InitRange: "0-0", IndexRange: "0-0"}
	}
	return ranges
}

// handlePlayback serves a cached elementary stream by itag, the muxed file,
// or proxies.
func (c *CacheShim) handlePlayback(w http.ResponseWriter, r *http.Request) {
	videoID := r.URL.Query().Get("v")
	if !models.ValidVideoID(videoID) {
		c.proxy.ServeHTTP(w, r)
		return
	}

	if itagStr := r.URL.Query().Get("itag"); itagStr != "" {
		if itag, err := strconv.Atoi(itagStr); err == nil {
			if streams, err := c.library.FindStreamFiles(videoID); err == nil {
				for _, s := range streams {
					if s.Itag == itag {
						_ = serveFileRange(w, r, s.Path)
						return
					}
				}
			}
		}
	}

	if path, ok := c.muxedIfCached(videoID); ok {
		_ = serveFileRange(w, r, path)
		return
	}
	c.proxy.ServeHTTP(w, r)
}

// handleCached serves the muxed container directly by ID.
func (c *CacheShim) handleCached(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoId")
	if !models.ValidVideoID(videoID) {
		http.Error(w, "invalid video ID", http.StatusBadRequest)
		return
	}
	path, ok := c.muxedIfCached(videoID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if d, err := c.catalog.GetDownload(r.Context(), videoID); err == nil {
		if name := models.SanitizeFilename(d.Title); name != "" {
			w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name+".mp4"))
		}
	}
	_ = serveFileRange(w, r, path)
}

func (c *CacheShim) handleCachedThumbnail(w http.ResponseWriter, r *http.Request) {
	c.serveSidecarFile(w, r, c.library.ThumbnailPath)
}

func (c *CacheShim) handleCachedMetadata(w http.ResponseWriter, r *http.Request) {
	c.serveSidecarFile(w, r, c.library.SidecarPath)
}

func (c *CacheShim) serveSidecarFile(w http.ResponseWriter, r *http.Request, pathFor func(string) (string, error)) {
	videoID := chi.URLParam(r, "videoId")
	if !models.ValidVideoID(videoID) {
		http.Error(w, "invalid video ID", http.StatusBadRequest)
		return
	}
	path, err := pathFor(videoID)
	if err != nil || !storage.Exists(path) {
		http.NotFound(w, r)
		return
	}
	_ = serveFileRange(w, r, path)
}

// handleLatestVersion serves the muxed file when the id query is cached.
func (c *CacheShim) handleLatestVersion(w http.ResponseWriter, r *http.Request) {
	videoID := r.URL.Query().Get("id")
	if models.ValidVideoID(videoID) {
		if path, ok := c.muxedIfCached(videoID); ok {
			_ = serveFileRange(w, r, path)
			return
		}
	}
	c.proxy.ServeHTTP(w, r)
}

// bufferedResponse captures a downstream handler's response so it can be
// modified before reaching the client.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) replaceBody(body []byte) {
	b.body.Reset()
	b.body.Write(body)
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	h := w.Header()
	for k, vs := range b.header {
		h[k] = vs
	}
	h.Set("Content-Length", strconv.Itoa(b.body.Len()))
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
