// Package ffmpeg drives the external muxer: binary discovery, mux/convert
// invocations, and duration probing of the produced container.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Errors surfaced to the pipeline.
var (
	// ErrMuxerNotFound indicates no usable ffmpeg binary was discovered.
	ErrMuxerNotFound = errors.New("muxer binary not found")

	// ErrInputNotFound indicates a mux input file is missing on disk.
	ErrInputNotFound = errors.New("mux input file not found")
)

// ProcessError is a muxer run that exited non-zero.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("muxer exited with code %d: %s", e.ExitCode, e.Stderr)
}

// findBinary locates an executable. Search order: the environment override,
// ./name for development trees, then PATH.
func findBinary(name, envVar string) (string, error) {
	if envVar != "" {
		if p := os.Getenv(envVar); p != "" && isExecutable(p) {
			return p, nil
		}
	}
	if local := "./" + name; isExecutable(local) {
		return local, nil
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}

// detector caches binary discovery; a trivial -version call verifies the
// binary actually runs, not just that it exists.
type detector struct {
	mu         sync.Mutex
	ffmpeg     string
	ffprobe    string
	checkedAt  time.Time
	checkedErr error
}

const detectTTL = 5 * time.Minute

var binaries detector

// paths returns the discovered ffmpeg and ffprobe paths, re-verifying after
// the cache TTL. ffprobe being absent is tolerated; probing then degrades.
func (d *detector) paths(ctx context.Context) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if time.Since(d.checkedAt) < detectTTL && (d.ffmpeg != "" || d.checkedErr != nil) {
		return d.ffmpeg, d.ffprobe, d.checkedErr
	}

	d.checkedAt = time.Now()
	d.ffmpeg, d.ffprobe, d.checkedErr = "", "", nil

	ffmpegPath, err := findBinary("ffmpeg", "VIDARR_FFMPEG_BINARY")
	if err != nil {
		d.checkedErr = fmt.Errorf("%w: %v", ErrMuxerNotFound, err)
		return "", "", d.checkedErr
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(verifyCtx, ffmpegPath, "-version").Run(); err != nil {
		d.checkedErr = fmt.Errorf("%w: %s failed -version check: %v", ErrMuxerNotFound, ffmpegPath, err)
		return "", "", d.checkedErr
	}
	d.ffmpeg = ffmpegPath

	if probePath, err := findBinary("ffprobe", "VIDARR_FFPROBE_BINARY"); err == nil {
		d.ffprobe = probePath
	}
	return d.ffmpeg, d.ffprobe, nil
}
