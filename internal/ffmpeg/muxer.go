package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// stderrTailBytes bounds the stderr captured into a ProcessError.
const stderrTailBytes = 2048

// MuxRequest describes one mux invocation: a video elementary stream and an
// audio elementary stream combined into a progressive container.
type MuxRequest struct {
	VideoPath  string
	AudioPath  string
	OutputPath string

	// CopyStreams copies codec data without re-encoding. Always true in the
	// pipeline; the flag exists for tests against synthetic inputs.
	CopyStreams bool

	// Faststart relocates the moov atom to the front for progressive playback.
	Faststart bool

	Overwrite bool
}

// MuxResult is a successful mux outcome.
type MuxResult struct {
	OutputPath      string
	DurationSeconds int
}

// Muxer runs the external muxer binary.
type Muxer struct {
	logger *slog.Logger
}

// NewMuxer creates a Muxer.
func NewMuxer(log *slog.Logger) *Muxer {
	if log == nil {
		log = slog.Default()
	}
	return &Muxer{logger: log.With("component", "muxer")}
}

// Mux combines separate video and audio streams into req.OutputPath, then
// probes the result for its duration.
func (m *Muxer) Mux(ctx context.Context, req MuxRequest) (*MuxResult, error) {
	ffmpegPath, ffprobePath, err := binaries.paths(ctx)
	if err != nil {
		return nil, err
	}
	for _, in := range []string{req.VideoPath, req.AudioPath} {
		if !fileExists(in) {
			return nil, fmt.Errorf("%w: %s", ErrInputNotFound, in)
		}
	}

	args := muxArgs(req)
	if err := m.run(ctx, ffmpegPath, args); err != nil {
		return nil, err
	}

	duration := m.probeDuration(ctx, ffprobePath, req.OutputPath)
	return &MuxResult{OutputPath: req.OutputPath, DurationSeconds: duration}, nil
}

// Convert remuxes a single combined input into req.OutputPath. Used when the
// companion offers no adaptive split.
func (m *Muxer) Convert(ctx context.Context, inputPath, outputPath string) (*MuxResult, error) {
	ffmpegPath, ffprobePath, err := binaries.paths(ctx)
	if err != nil {
		return nil, err
	}
	if !fileExists(inputPath) {
		return nil, fmt.Errorf("%w: %s", ErrInputNotFound, inputPath)
	}

	args := []string{
		"-y",
		"-i", inputPath,
		"-c", "copy",
		"-movflags", "+faststart",
		outputPath,
	}
	if err := m.run(ctx, ffmpegPath, args); err != nil {
		return nil, err
	}

	duration := m.probeDuration(ctx, ffprobePath, outputPath)
	return &MuxResult{OutputPath: outputPath, DurationSeconds: duration}, nil
}

// muxArgs builds the argument contract: overwrite flag, two inputs, explicit
// stream mapping (video from the first input, audio from the second), codec
// copy, faststart, output.
func muxArgs(req MuxRequest) []string {
	var args []string
	if req.Overwrite {
		args = append(args, "-y")
	}
	args = append(args,
		"-i", req.VideoPath,
		"-i", req.AudioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
	)
	if req.CopyStreams {
		args = append(args, "-c", "copy")
	}
	if req.Faststart {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, req.OutputPath)
}

func (m *Muxer) run(ctx context.Context, ffmpegPath string, args []string) error {
	m.logger.Debug("running muxer", slog.String("args", strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	m.logger.Debug("muxer finished",
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("success", err == nil),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	exitCode := -1
	if ee, ok := err.(*exec.ExitError); ok {
		exitCode = ee.ExitCode()
	}
	return &ProcessError{ExitCode: exitCode, Stderr: stderrTail(stderr.String())}
}

// probeDuration reads the container duration via ffprobe. Probe failures are
// logged and reported as zero; the mux itself already succeeded.
func (m *Muxer) probeDuration(ctx context.Context, ffprobePath, path string) int {
	if ffprobePath == "" {
		return 0
	}

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		m.logger.Warn("duration probe failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return 0
	}

	var seconds float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &seconds); err != nil {
		return 0
	}
	return int(seconds)
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailBytes {
		s = s[len(s)-stderrTailBytes:]
	}
	return s
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
