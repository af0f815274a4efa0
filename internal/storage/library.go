// Package storage owns the on-disk video library. All path construction goes
// through Library so nothing outside the videos directory is ever touched,
// and every path embeds a validated video ID.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vidarr/vidarr/internal/models"
)

// CatalogFilename is the SQLite catalog inside the videos directory.
const CatalogFilename = "downloads.db"

// Library is the videos directory. Create with NewLibrary.
type Library struct {
	baseDir string
}

// NewLibrary creates (if needed) and opens the videos directory.
func NewLibrary(baseDir string) (*Library, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving videos directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating videos directory: %w", err)
	}
	return &Library{baseDir: abs}, nil
}

// BaseDir returns the absolute videos directory path.
func (l *Library) BaseDir() string {
	return l.baseDir
}

// CatalogPath returns the catalog database path.
func (l *Library) CatalogPath() string {
	return filepath.Join(l.baseDir, CatalogFilename)
}

// join validates the ID and joins name under the base directory. Every public
// path helper funnels through here.
func (l *Library) join(videoID, name string) (string, error) {
	if !models.ValidVideoID(videoID) {
		return "", models.ErrInvalidVideoID
	}
	path := filepath.Join(l.baseDir, name)
	if filepath.Dir(path) != l.baseDir {
		return "", fmt.Errorf("path escapes library: %s", name)
	}
	return path, nil
}

// MuxedPath returns the progressive container path {id}.mp4.
func (l *Library) MuxedPath(videoID string) (string, error) {
	return l.join(videoID, videoID+".mp4")
}

// VideoStreamPath returns the cached video elementary stream path.
func (l *Library) VideoStreamPath(videoID string, itag int, ext string) (string, error) {
	return l.join(videoID, fmt.Sprintf("%s_video_%d.%s", videoID, itag, ext))
}

// AudioStreamPath returns the cached audio elementary stream path.
func (l *Library) AudioStreamPath(videoID string, itag int, ext string) (string, error) {
	return l.join(videoID, fmt.Sprintf("%s_audio_%d.%s", videoID, itag, ext))
}

// ThumbnailPath returns the thumbnail path {id}.webp.
func (l *Library) ThumbnailPath(videoID string) (string, error) {
	return l.join(videoID, videoID+".webp")
}

// SidecarPath returns the metadata sidecar path {id}.json.
func (l *Library) SidecarPath(videoID string) (string, error) {
	return l.join(videoID, videoID+".json")
}

// TmpVideoPath returns the in-progress video fetch path {id}_video.tmp.
func (l *Library) TmpVideoPath(videoID string) (string, error) {
	return l.join(videoID, videoID+"_video.tmp")
}

// TmpAudioPath returns the in-progress audio fetch path {id}_audio.tmp.
func (l *Library) TmpAudioPath(videoID string) (string, error) {
	return l.join(videoID, videoID+"_audio.tmp")
}

// StreamFile is one cached elementary stream found on disk.
type StreamFile struct {
	Path string
	Kind string // "video" or "audio"
	Itag int
	Ext  string
	Size int64
}

// FindStreamFiles returns the cached elementary streams for a video by
// scanning the library. Unknown videos return an empty slice.
func (l *Library) FindStreamFiles(videoID string) ([]StreamFile, error) {
	if !models.ValidVideoID(videoID) {
		return nil, models.ErrInvalidVideoID
	}

	matches, err := filepath.Glob(filepath.Join(l.baseDir, videoID+"_*"))
	if err != nil {
		return nil, fmt.Errorf("scanning streams for %s: %w", videoID, err)
	}

	var out []StreamFile
	for _, path := range matches {
		sf, ok := parseStreamFilename(videoID, filepath.Base(path))
		if !ok {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		sf.Path = path
		sf.Size = info.Size()
		out = append(out, sf)
	}
	return out, nil
}

// parseStreamFilename recognizes {id}_video_{itag}.{ext} and
// {id}_audio_{itag}.{ext}. Tmp files and foreign names are rejected.
func parseStreamFilename(videoID, name string) (StreamFile, bool) {
	rest, ok := strings.CutPrefix(name, videoID+"_")
	if !ok {
		return StreamFile{}, false
	}

	kind, rest, ok := strings.Cut(rest, "_")
	if !ok || (kind != "video" && kind != "audio") {
		return StreamFile{}, false
	}

	itagStr, ext, ok := strings.Cut(rest, ".")
	if !ok || ext == "tmp" {
		return StreamFile{}, false
	}

	var itag int
	if _, err := fmt.Sscanf(itagStr, "%d", &itag); err != nil || itag <= 0 {
		return StreamFile{}, false
	}
	return StreamFile{Kind: kind, Itag: itag, Ext: ext}, true
}

// RemoveVideoFiles deletes every file belonging to a video: the muxed
// container, elementary streams, thumbnail, sidecar, and any tmp leftovers.
// Missing files are not errors; the first real failure is returned with the
// remaining files still attempted.
func (l *Library) RemoveVideoFiles(videoID string) error {
	if !models.ValidVideoID(videoID) {
		return models.ErrInvalidVideoID
	}

	matches, err := filepath.Glob(filepath.Join(l.baseDir, videoID+"*"))
	if err != nil {
		return fmt.Errorf("scanning files for %s: %w", videoID, err)
	}

	var firstErr error
	for _, path := range matches {
		// The glob is prefix-based; {id}.mp4 and {id}_video_137.mp4 both
		// match, but so would an ID that merely starts with this one if IDs
		// were variable length. They are not, so a separator or dot must
		// follow immediately.
		base := filepath.Base(path)
		if len(base) > 11 && base[11] != '.' && base[11] != '_' {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("removing %s: %w", base, err)
		}
	}
	return firstErr
}

// CollectStaleTmp removes {id}_video.tmp / {id}_audio.tmp files older than
// maxAge and reports how many were deleted. Runs once at startup.
func (l *Library) CollectStaleTmp(maxAge time.Duration) (int, error) {
	matches, err := filepath.Glob(filepath.Join(l.baseDir, "*.tmp"))
	if err != nil {
		return 0, fmt.Errorf("scanning tmp files: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed, nil
}

// FileSize returns the size of path, or 0 when it does not exist.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Exists reports whether path exists and is a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
