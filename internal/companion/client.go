// Package companion talks to the signed companion endpoint that resolves
// video metadata and short-lived stream URLs.
package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vidarr/vidarr/internal/httpclient"
	"github.com/vidarr/vidarr/internal/observability"
)

// Errors surfaced to the pipeline.
var (
	// ErrVideoUnavailable maps companion 404/410 responses; the classifier
	// treats it as permanent.
	ErrVideoUnavailable = errors.New("video is unavailable")

	// ErrNoStreams indicates the companion returned no usable formats.
	ErrNoStreams = errors.New("no streams available")
)

// Format is one downloadable stream as reported by the companion. The URL is
// short-lived and signed; it must be used promptly and never persisted.
// ContentLength zero means the total size is unknown.
type Format struct {
	Itag          int
	URL           string
	MimeType      string
	Bitrate       int64
	ContentLength int64
	Width         int
	Height        int
}

// UnmarshalJSON tolerates the companion's quoted numerics for bitrate and
// content length.
func (f *Format) UnmarshalJSON(data []byte) error {
	var raw struct {
		Itag          int       `json:"itag"`
		URL           string    `json:"url"`
		MimeType      string    `json:"type"`
		Bitrate       flexInt64 `json:"bitrate"`
		ContentLength flexInt64 `json:"clen"`
		Width         int       `json:"width"`
		Height        int       `json:"height"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Format{
		Itag:          raw.Itag,
		URL:           raw.URL,
		MimeType:      raw.MimeType,
		Bitrate:       int64(raw.Bitrate),
		ContentLength: int64(raw.ContentLength),
		Width:         raw.Width,
		Height:        raw.Height,
	}
	return nil
}

// IsVideo reports whether the format carries a video track.
func (f Format) IsVideo() bool { return strings.HasPrefix(f.MimeType, "video/") }

// IsAudio reports whether the format carries an audio track.
func (f Format) IsAudio() bool { return strings.HasPrefix(f.MimeType, "audio/") }

// Ext returns the container extension implied by the mime type.
func (f Format) Ext() string {
	sub := f.MimeType
	if i := strings.Index(sub, "/"); i >= 0 {
		sub = sub[i+1:]
	}
	if i := strings.Index(sub, ";"); i >= 0 {
		sub = sub[:i]
	}
	switch sub {
	case "mp4":
		if f.IsAudio() {
			return "m4a"
		}
		return "mp4"
	case "webm":
		return "webm"
	default:
		return sub
	}
}

// VideoInfo is the typed companion metadata record.
type VideoInfo struct {
	VideoID         string   `json:"videoId"`
	Title           string   `json:"title"`
	Author          string   `json:"author"`
	ChannelID       string   `json:"authorId"`
	Description     string   `json:"description,omitempty"`
	LengthSeconds   int      `json:"lengthSeconds"`
	AdaptiveFormats []Format `json:"adaptiveFormats"`
	CombinedFormats []Format `json:"formatStreams"`
	ThumbnailURL    string   `json:"thumbnailUrl,omitempty"`
}

// Client is the companion API client.
type Client struct {
	baseURL string
	secret  observability.Secret
	http    *httpclient.Client
	logger  *slog.Logger
}

// New creates a companion client for baseURL, authenticating with secret.
func New(baseURL, secret string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	cfg := httpclient.DefaultConfig()
	cfg.Logger = log.With("component", "companion")
	cfg.Timeout = 30 * time.Second
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  observability.Secret(secret),
		http:    httpclient.New(cfg),
		logger:  cfg.Logger,
	}
}

// GetVideoInfo resolves metadata and stream URLs for a video.
func (c *Client) GetVideoInfo(ctx context.Context, videoID string) (*VideoInfo, error) {
	endpoint := fmt.Sprintf("%s/api/v1/videos/%s", c.baseURL, url.PathEscape(videoID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating companion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+string(c.secret))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching video info for %s: %w", videoID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrVideoUnavailable, videoID)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("companion returned %d for %s: %s",
			resp.StatusCode, videoID, strings.TrimSpace(string(body)))
	}

	var info VideoInfo
	if err := decodeJSON(resp.Body, &info); err != nil {
		return nil, fmt.Errorf("decoding video info for %s: %w", videoID, err)
	}
	if info.VideoID == "" {
		info.VideoID = videoID
	}
	return &info, nil
}

// FetchThumbnail downloads the thumbnail image, returning the raw bytes and
// the reported content type.
func (c *Client) FetchThumbnail(ctx context.Context, info *VideoInfo) ([]byte, string, error) {
	if info.ThumbnailURL == "" {
		return nil, "", fmt.Errorf("no thumbnail url for %s", info.VideoID)
	}

	resp, err := c.http.Get(ctx, info.ThumbnailURL)
	if err != nil {
		return nil, "", fmt.Errorf("fetching thumbnail for %s: %w", info.VideoID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("thumbnail fetch returned %d for %s", resp.StatusCode, info.VideoID)
	}

	// Thumbnails are small; cap the read regardless of what the server says.
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, "", fmt.Errorf("reading thumbnail for %s: %w", info.VideoID, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
