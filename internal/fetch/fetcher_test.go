package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveBytes(t *testing.T, payload []byte, supportRange bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" || !supportRange {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			w.Write(payload)
			return
		}

		var start int64
		_, err := fmt.Sscanf(rng, "bytes=%d-", &start)
		require.NoError(t, err)
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", start, len(payload)-1, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[start:])
	}))
}

func TestDownloadToFile(t *testing.T) {
	payload := []byte(strings.Repeat("x", 5000))
	srv := serveBytes(t, payload, true)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "stream.bin")
	res, err := DownloadToFile(context.Background(), srv.URL, out, Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(5000), res.BytesWritten)
	assert.Equal(t, int64(5000), res.TotalBytes)
	assert.False(t, res.Resumed)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadToFileResume(t *testing.T) {
	payload := []byte("0123456789abcdef")
	srv := serveBytes(t, payload, true)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "stream.bin")
	require.NoError(t, os.WriteFile(out, payload[:6], 0o640))

	res, err := DownloadToFile(context.Background(), srv.URL, out, Options{Resume: true})
	require.NoError(t, err)

	assert.True(t, res.Resumed)
	assert.Equal(t, int64(len(payload)), res.BytesWritten)
	assert.Equal(t, int64(len(payload)), res.TotalBytes)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadToFileStartFresh(t *testing.T) {
	payload := []byte("0123456789abcdef")
	srv := serveBytes(t, payload, false) // ignores Range, always 200
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "stream.bin")
	require.NoError(t, os.WriteFile(out, payload[:6], 0o640))

	_, err := DownloadToFile(context.Background(), srv.URL, out, Options{Resume: true})
	require.ErrorIs(t, err, ErrStartFresh)

	// The stale partial file is untouched; deleting it is the caller's job.
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, payload[:6], data)
}

func TestDownloadToFileResumeWithEmptyFile(t *testing.T) {
	// A zero-byte partial sends no Range header at all.
	payload := []byte("abcdef")
	srv := serveBytes(t, payload, true)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "stream.bin")
	require.NoError(t, os.WriteFile(out, nil, 0o640))

	res, err := DownloadToFile(context.Background(), srv.URL, out, Options{Resume: true})
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Equal(t, int64(6), res.BytesWritten)
}

func TestDownloadToFileBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "stream.bin")
	_, err := DownloadToFile(context.Background(), srv.URL, out, Options{})
	require.ErrorIs(t, err, ErrDownloadFailed)
	assert.Contains(t, err.Error(), "410")
}

func TestDownloadToFileProgress(t *testing.T) {
	payload := make([]byte, 256*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		flusher := w.(http.Flusher)
		for off := 0; off < len(payload); off += 64 * 1024 {
			w.Write(payload[off : off+64*1024])
			flusher.Flush()
			time.Sleep(60 * time.Millisecond)
		}
	}))
	defer srv.Close()

	var samples []Progress
	out := filepath.Join(t.TempDir(), "stream.bin")
	res, err := DownloadToFile(context.Background(), srv.URL, out, Options{
		OnProgress: func(p Progress) { samples = append(samples, p) },
	})
	require.NoError(t, err)
	require.NotEmpty(t, samples)

	last := samples[len(samples)-1]
	assert.Equal(t, int64(len(payload)), last.TotalBytes)
	assert.LessOrEqual(t, last.BytesWritten, res.BytesWritten)
	assert.Greater(t, last.Speed, 0.0)
}

func TestDownloadToFileThrottleDetection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 100; i++ {
			w.Write([]byte("x"))
			flusher.Flush()
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "stream.bin")
	start := time.Now()
	_, err := DownloadToFile(context.Background(), srv.URL, out, Options{
		Throttle: &ThrottleConfig{
			SpeedFloor: 1 << 20, // 1 MiB/s, unreachable at 50 B/s
			Window:     200 * time.Millisecond,
		},
	})
	require.ErrorIs(t, err, ErrThrottled)

	// Detection must wait for at least one full window.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestDownloadToFileCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 100; i++ {
			w.Write([]byte("x"))
			flusher.Flush()
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()

	out := filepath.Join(t.TempDir(), "stream.bin")
	_, err := DownloadToFile(ctx, srv.URL, out, Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDownloadToFileRateLimit(t *testing.T) {
	payload := make([]byte, 30*1024)
	srv := serveBytes(t, payload, true)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "stream.bin")
	start := time.Now()
	// 100 KiB/s over 30 KiB with a 64 KiB minimum burst: the limiter still
	// needs to reserve past the initial burst, so the transfer cannot be
	// instantaneous but stays well under a second.
	res, err := DownloadToFile(context.Background(), srv.URL, out, Options{
		RateLimit: 100 * 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), res.BytesWritten)
	assert.Less(t, time.Since(start), 5*time.Second)
}
