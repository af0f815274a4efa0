// Package mediainfo extracts the init and index byte ranges a DASH
// SegmentBase needs from cached stream containers on disk.
package mediainfo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Typed failures; callers fall back to "0-0" ranges on any of these.
var (
	// ErrNoMoov indicates an MP4 container without a top-level moov atom.
	ErrNoMoov = errors.New("no moov atom found")

	// ErrNoTracks indicates a WebM container without a Tracks element.
	ErrNoTracks = errors.New("no tracks element found")

	// ErrUnsupportedContainer indicates an extension this parser does not
	// understand.
	ErrUnsupportedContainer = errors.New("unsupported container")
)

// Ranges is the SegmentBase byte-range pair, formatted "start-end" inclusive.
type Ranges struct {
	InitRange  string
	IndexRange string
}

// cacheKey identifies a parse result; any file change invalidates it.
type cacheKey struct {
	path  string
	mtime int64
	size  int64
}

// Inspector parses containers and caches results by (path, mtime, size).
type Inspector struct {
	mu    sync.Mutex
	cache map[cacheKey]Ranges
}

// NewInspector creates an Inspector.
func NewInspector() *Inspector {
	return &Inspector{cache: make(map[cacheKey]Ranges)}
}

// Ranges returns the init/index byte ranges for the container at path. The
// container kind is taken from the file extension.
func (i *Inspector) Ranges(path string) (Ranges, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Ranges{}, fmt.Errorf("stating container: %w", err)
	}
	key := cacheKey{path: path, mtime: info.ModTime().UnixNano(), size: info.Size()}

	i.mu.Lock()
	cached, ok := i.cache[key]
	i.mu.Unlock()
	if ok {
		return cached, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Ranges{}, fmt.Errorf("opening container: %w", err)
	}
	defer f.Close()

	var ranges Ranges
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4a", ".m4v", ".mov":
		ranges, err = mp4Ranges(f)
	case ".webm", ".mkv":
		ranges, err = webmRanges(f, info.Size())
	default:
		return Ranges{}, fmt.Errorf("%w: %s", ErrUnsupportedContainer, filepath.Ext(path))
	}
	if err != nil {
		return Ranges{}, err
	}

	i.mu.Lock()
	i.cache[key] = ranges
	i.mu.Unlock()
	return ranges, nil
}
