package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// ErrInvalidRange marks an unsatisfiable or malformed Range header.
var ErrInvalidRange = errors.New("invalid byte range")

// byteRange is an inclusive byte span within a file of known size.
type byteRange struct {
	start int64
	end   int64
}

func (r byteRange) length() int64 { return r.end - r.start + 1 }

func (r byteRange) contentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.start, r.end, size)
}

// parseRange resolves a Range header against a file size. Supported forms:
// "bytes=start-end", "bytes=start-", "bytes=-suffix". The result is clamped
// to [0, size-1]; start past EOF or inverted spans are ErrInvalidRange.
func parseRange(header string, size int64) (byteRange, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	// Multi-range requests are not supported; serve the first span only.
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	spec = strings.TrimSpace(spec)

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}

	if startStr == "" {
		// Suffix form: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		if n > size {
			n = size
		}
		return byteRange{start: size - n, end: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	if start >= size {
		return byteRange{}, fmt.Errorf("%w: start %d beyond size %d", ErrInvalidRange, start, size)
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		if end >= size {
			end = size - 1
		}
	}
	if start > end {
		return byteRange{}, fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
	}
	return byteRange{start: start, end: end}, nil
}

// contentTypeFor maps a cached file extension to its media type.
func contentTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".mp4"), strings.HasSuffix(path, ".m4v"):
		return "video/mp4"
	case strings.HasSuffix(path, ".m4a"):
		return "audio/mp4"
	case strings.HasSuffix(path, ".webm"):
		return "video/webm"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	case strings.HasSuffix(path, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// serveFileRange serves a cached file with single-range semantics: 206 with
// Content-Range for a Range request, 200 full body otherwise, 416 when the
// range cannot be satisfied. The file is stat-ed immediately before opening
// so a file appearing mid-request is tolerated.
func serveFileRange(w http.ResponseWriter, r *http.Request, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		http.NotFound(w, r)
		return err
	}
	size := info.Size()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentTypeFor(path))

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	}

	br, err := parseRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return err
	}

	w.Header().Set("Content-Range", br.contentRange(size))
	w.Header().Set("Content-Length", strconv.FormatInt(br.length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(br.start, io.SeekStart); err != nil {
		return err
	}
	_, err = io.CopyN(w, f, br.length())
	return err
}
