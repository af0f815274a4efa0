// Package fetch downloads elementary streams to disk with resume support,
// rate limiting, progress sampling, and throttle detection.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vidarr/vidarr/internal/version"
)

const (
	copyChunkSize    = 64 * 1024
	progressInterval = 100 * time.Millisecond

	// speedSmoothing is the EMA factor for the rolling bytes/s estimate.
	speedSmoothing = 0.3
)

// ThrottleConfig enables throttle detection. When the average transfer rate
// over a full Window falls below SpeedFloor, the transfer is aborted with
// ErrThrottled.
type ThrottleConfig struct {
	SpeedFloor int64
	Window     time.Duration
}

// Progress is one progress sample delivered to the OnProgress callback.
type Progress struct {
	BytesWritten int64
	// TotalBytes is zero when the server did not report a total.
	TotalBytes int64
	// Speed is the exponentially smoothed transfer rate in bytes/s.
	Speed float64
}

// Options parameterizes DownloadToFile.
type Options struct {
	// RateLimit caps the transfer in bytes/s; zero means unlimited.
	RateLimit int64

	// Resume appends to an existing partial file via a Range request.
	Resume bool

	// Throttle enables slow-transfer detection; nil disables it.
	Throttle *ThrottleConfig

	// OnProgress receives samples at least progressInterval apart.
	OnProgress func(Progress)

	// Client is the raw HTTP client; nil gets a default. No decompression
	// and no automatic retries: stream bytes land on disk untouched and the
	// pipeline owns the retry policy.
	Client *http.Client

	Logger *slog.Logger
}

// Result summarizes a completed transfer.
type Result struct {
	BytesWritten int64
	TotalBytes   int64
	Speed        float64
	Resumed      bool
}

// DownloadToFile streams url into outputPath. With Resume set and a non-empty
// partial file present, the transfer continues from the current size; a
// server that refuses the range yields ErrStartFresh. The file handle is
// closed on every path before returning.
func DownloadToFile(ctx context.Context, url, outputPath string, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	var offset int64
	if opts.Resume {
		if info, err := os.Stat(outputPath); err == nil {
			offset = info.Size()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrDownloadFailed, err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	resumed := false
	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		resumed = true
	case offset > 0 && resp.StatusCode == http.StatusOK:
		// The partial file cannot be appended to a full-body response.
		return nil, ErrStartFresh
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrDownloadFailed, resp.StatusCode)
	}

	total := totalSize(resp, offset)

	flags := os.O_CREATE | os.O_WRONLY
	if resumed {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}
	f, err := os.OpenFile(outputPath, flags, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: opening output file: %v", ErrDownloadFailed, err)
	}

	written, speed, copyErr := copyWithMonitor(ctx, f, resp.Body, offset, total, opts)

	if closeErr := f.Close(); closeErr != nil && copyErr == nil {
		copyErr = fmt.Errorf("%w: closing output file: %v", ErrDownloadFailed, closeErr)
	}
	if copyErr != nil {
		return nil, copyErr
	}

	log.Debug("download complete",
		slog.String("path", outputPath),
		slog.Int64("bytes", written),
		slog.Bool("resumed", resumed),
	)
	return &Result{
		BytesWritten: offset + written,
		TotalBytes:   total,
		Speed:        speed,
		Resumed:      resumed,
	}, nil
}

// copyWithMonitor copies body to f while enforcing the rate limit, sampling
// progress, and watching for throttling. Returns bytes written this call and
// the final smoothed speed.
func copyWithMonitor(ctx context.Context, f *os.File, body io.Reader, offset, total int64, opts Options) (int64, float64, error) {
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < copyChunkSize {
			burst = copyChunkSize
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	var window *throttleWindow
	if opts.Throttle != nil && opts.Throttle.SpeedFloor > 0 && opts.Throttle.Window > 0 {
		window = newThrottleWindow(*opts.Throttle)
	}

	buf := make([]byte, copyChunkSize)
	var (
		written  int64
		speed    float64
		lastTick = time.Now()
		lastSeen int64
	)

	for {
		if err := ctx.Err(); err != nil {
			return written, speed, err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return written, speed, err
				}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return written, speed, fmt.Errorf("%w: writing output file: %v", ErrDownloadFailed, err)
			}
			written += int64(n)

			if window != nil {
				window.add(time.Now(), int64(n))
				if window.throttled() {
					return written, speed, ErrThrottled
				}
			}
		}

		if elapsed := time.Since(lastTick); elapsed >= progressInterval {
			instant := float64(written-lastSeen) / elapsed.Seconds()
			if speed == 0 {
				speed = instant
			} else {
				speed = speedSmoothing*instant + (1-speedSmoothing)*speed
			}
			lastTick = time.Now()
			lastSeen = written
			if opts.OnProgress != nil {
				opts.OnProgress(Progress{
					BytesWritten: offset + written,
					TotalBytes:   total,
					Speed:        speed,
				})
			}
		}

		if readErr == io.EOF {
			return written, speed, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return written, speed, ctx.Err()
			}
			return written, speed, fmt.Errorf("%w: reading response body: %v", ErrDownloadFailed, readErr)
		}
	}
}

// totalSize derives the full object size from the response. A 206 carries it
// after the slash in Content-Range; a 200 reports the remainder in
// Content-Length. Zero means unknown.
func totalSize(resp *http.Response, offset int64) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndex(cr, "/"); i >= 0 {
			if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				return n
			}
		}
	}
	if resp.ContentLength > 0 {
		return offset + resp.ContentLength
	}
	return 0
}

// throttleWindow tracks bytes over a sliding time window.
type throttleWindow struct {
	cfg     ThrottleConfig
	started time.Time
	samples []sample
	bytes   int64
}

type sample struct {
	at time.Time
	n  int64
}

func newThrottleWindow(cfg ThrottleConfig) *throttleWindow {
	return &throttleWindow{cfg: cfg, started: time.Now()}
}

func (w *throttleWindow) add(at time.Time, n int64) {
	w.samples = append(w.samples, sample{at: at, n: n})
	w.bytes += n

	cutoff := at.Add(-w.cfg.Window)
	drop := 0
	for drop < len(w.samples) && w.samples[drop].at.Before(cutoff) {
		w.bytes -= w.samples[drop].n
		drop++
	}
	if drop > 0 {
		w.samples = w.samples[drop:]
	}
}

// throttled reports whether the rolling average fell below the floor. Only
// meaningful after a full window has elapsed since the transfer began.
func (w *throttleWindow) throttled() bool {
	if time.Since(w.started) < w.cfg.Window {
		return false
	}
	avg := float64(w.bytes) / w.cfg.Window.Seconds()
	return avg < float64(w.cfg.SpeedFloor)
}
