// Package cleanup evicts watched subscription downloads after a retention
// period, reclaiming disk while leaving catalog tombstones behind.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vidarr/vidarr/internal/config"
	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/repository"
	"github.com/vidarr/vidarr/internal/storage"
)

// maxRecentErrors bounds the error ring kept for the status endpoint.
const maxRecentErrors = 20

// WatchChecker answers whether a user has watched a video upstream.
type WatchChecker interface {
	HasUserWatchedVideo(ctx context.Context, userEmail, videoID string) (bool, error)
}

// SweepError is one per-video failure from a sweep.
type SweepError struct {
	At      time.Time `json:"at"`
	VideoID string    `json:"video_id,omitempty"`
	Message string    `json:"message"`
}

// State is a snapshot of the eviction service for the status endpoint.
type State struct {
	Enabled      bool         `json:"enabled"`
	Running      bool         `json:"running"`
	LastSweepAt  time.Time    `json:"last_sweep_at,omitempty"`
	SweepsRun    int          `json:"sweeps_run"`
	Checked      int          `json:"checked_total"`
	Deleted      int          `json:"deleted_total"`
	BytesFreed   int64        `json:"bytes_freed_total"`
	RecentErrors []SweepError `json:"recent_errors,omitempty"`
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked    int           `json:"checked"`
	Deleted    int           `json:"deleted"`
	Skipped    int           `json:"skipped"`
	BytesFreed int64         `json:"bytes_freed"`
	Duration   time.Duration `json:"-"`
}

// Service is the eviction sweeper.
type Service struct {
	catalog  repository.Catalog
	upstream WatchChecker
	library  *storage.Library
	cfg      config.CleanupConfig
	logger   *slog.Logger

	cron *cron.Cron

	mu       sync.Mutex
	sweeping bool
	state    State
}

// New creates a Service.
func New(catalog repository.Catalog, upstream WatchChecker, library *storage.Library, cfg config.CleanupConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		catalog:  catalog,
		upstream: upstream,
		library:  library,
		cfg:      cfg,
		logger:   log.With("component", "cleanup"),
		state:    State{Enabled: cfg.Enabled},
	}
}

// Start schedules the periodic sweep. A disabled service never schedules but
// still serves manual triggers.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("cleanup disabled")
		return nil
	}
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.CleanupInterval())
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("cleanup sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling cleanup sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("cleanup started",
		slog.Int("age_days", s.cfg.AgeDays),
		slog.Duration("interval", s.cfg.CleanupInterval()),
	)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// State returns a status snapshot.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Running = s.sweeping
	st.RecentErrors = append([]SweepError(nil), s.state.RecentErrors...)
	return st
}

// Sweep runs one eviction pass. Overlapping calls collapse into one.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		return &SweepResult{}, nil
	}
	s.sweeping = true
	s.mu.Unlock()

	start := time.Now()
	res, err := s.sweep(ctx)

	s.mu.Lock()
	s.sweeping = false
	s.state.SweepsRun++
	s.state.LastSweepAt = time.Now()
	if res != nil {
		res.Duration = time.Since(start)
		s.state.Checked += res.Checked
		s.state.Deleted += res.Deleted
		s.state.BytesFreed += res.BytesFreed
	}
	if err != nil {
		s.recordErrorLocked(SweepError{At: time.Now(), Message: err.Error()})
	}
	s.mu.Unlock()
	return res, err
}

func (s *Service) sweep(ctx context.Context) (*SweepResult, error) {
	candidates, err := s.catalog.GetCleanupCandidates(ctx, s.cfg.CleanupAge())
	if err != nil {
		return nil, fmt.Errorf("listing cleanup candidates: %w", err)
	}

	res := &SweepResult{Checked: len(candidates)}
	for _, d := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		evictable, err := s.allOwnersWatched(ctx, d.VideoID)
		if err != nil {
			s.noteVideoError(d.VideoID, err)
			res.Skipped++
			continue
		}
		if !evictable {
			res.Skipped++
			continue
		}

		freed, err := s.evict(ctx, d)
		if err != nil {
			s.noteVideoError(d.VideoID, err)
			res.Skipped++
			continue
		}
		res.Deleted++
		res.BytesFreed += freed
	}

	s.logger.Info("cleanup sweep complete",
		slog.Int("checked", res.Checked),
		slog.Int("deleted", res.Deleted),
		slog.Int("skipped", res.Skipped),
		slog.Int64("bytes_freed", res.BytesFreed),
	)
	return res, nil
}

// allOwnersWatched reports whether every active owner has watched the video
// upstream. A video with no active owners is evictable: everyone who wanted
// it has since deleted it.
func (s *Service) allOwnersWatched(ctx context.Context, videoID string) (bool, error) {
	owners, err := s.catalog.GetActiveVideoOwners(ctx, videoID)
	if err != nil {
		return false, fmt.Errorf("listing owners: %w", err)
	}
	for _, o := range owners {
		watched, err := s.upstream.HasUserWatchedVideo(ctx, o.UserID, videoID)
		if err != nil {
			return false, fmt.Errorf("checking watched state for %s: %w", o.UserID, err)
		}
		if !watched {
			return false, nil
		}
	}
	return true, nil
}

// evict removes the on-disk files and tombstones the catalog row. Bytes are
// measured before deletion.
func (s *Service) evict(ctx context.Context, d *models.Download) (int64, error) {
	freed := s.measure(d.VideoID)

	if err := s.library.RemoveVideoFiles(d.VideoID); err != nil {
		return 0, fmt.Errorf("removing files: %w", err)
	}
	if err := s.catalog.MarkFilesDeleted(ctx, d.VideoID); err != nil {
		return 0, fmt.Errorf("tombstoning catalog row: %w", err)
	}

	s.logger.Info("evicted video",
		slog.String("video_id", d.VideoID),
		slog.String("title", d.Title),
		slog.Int64("bytes_freed", freed),
	)
	return freed, nil
}

// measure sums the on-disk footprint of a video's files.
func (s *Service) measure(videoID string) int64 {
	var total int64
	if p, err := s.library.MuxedPath(videoID); err == nil {
		total += storage.FileSize(p)
	}
	if p, err := s.library.ThumbnailPath(videoID); err == nil {
		total += storage.FileSize(p)
	}
	if p, err := s.library.SidecarPath(videoID); err == nil {
		total += storage.FileSize(p)
	}
	if streams, err := s.library.FindStreamFiles(videoID); err == nil {
		for _, f := range streams {
			total += f.Size
		}
	}
	return total
}

func (s *Service) noteVideoError(videoID string, err error) {
	s.logger.Warn("skipping candidate",
		slog.String("video_id", videoID),
		slog.String("error", err.Error()),
	)
	s.mu.Lock()
	s.recordErrorLocked(SweepError{At: time.Now(), VideoID: videoID, Message: err.Error()})
	s.mu.Unlock()
}

func (s *Service) recordErrorLocked(e SweepError) {
	s.state.RecentErrors = append(s.state.RecentErrors, e)
	if len(s.state.RecentErrors) > maxRecentErrors {
		s.state.RecentErrors = s.state.RecentErrors[len(s.state.RecentErrors)-maxRecentErrors:]
	}
}
