// Package watcher scans upstream subscriptions on a schedule and enqueues
// new videos for download.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vidarr/vidarr/internal/config"
	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/repository"
	"github.com/vidarr/vidarr/internal/upstream"
)

// maxRecentErrors bounds the error ring kept for the status endpoint.
const maxRecentErrors = 20

// defaultLookback is the publishedAfter window used on the very first scan,
// before any high-water mark exists.
const defaultLookback = 24 * time.Hour

// UserSource is the slice of the upstream reader the watcher needs.
type UserSource interface {
	GetAllUsersWithSubscriptions(ctx context.Context) ([]upstream.User, error)
	GetSubscriptions(ctx context.Context, userEmail string) ([]string, error)
	GetLatestVideos(ctx context.Context, q upstream.LatestVideosQuery) ([]upstream.ChannelVideo, error)
	GetMaxPublishedTimestamp(ctx context.Context, channelIDs []string) (time.Time, error)
	GetUsersSubscribedToChannel(ctx context.Context, channelID string) ([]string, error)
}

// CheckError is one failed scan, kept for the status endpoint.
type CheckError struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// State is a snapshot of the watcher for the status endpoint.
type State struct {
	Running      bool         `json:"running"`
	LastCheckAt  time.Time    `json:"last_check_at,omitempty"`
	LastSeen     time.Time    `json:"last_seen,omitempty"`
	ChecksRun    int          `json:"checks_run"`
	ChecksNoWork int          `json:"checks_no_work"`
	VideosQueued int          `json:"videos_queued"`
	RecentErrors []CheckError `json:"recent_errors,omitempty"`
}

// Watcher polls the upstream subscription lists and feeds the queue.
type Watcher struct {
	upstream UserSource
	catalog  repository.Catalog
	cfg      config.WatcherConfig
	logger   *slog.Logger

	// notify wakes the download processor after enqueues. May be nil.
	notify func()

	cron *cron.Cron

	mu       sync.Mutex
	checking bool
	state    State
	// lastSeen is the published high-water mark. Advances only after a fully
	// successful scan so a failed tick is retried over the same window.
	lastSeen time.Time
}

// New creates a Watcher. notify is called after any videos were enqueued.
func New(source UserSource, catalog repository.Catalog, cfg config.WatcherConfig, notify func(), log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		upstream: source,
		catalog:  catalog,
		cfg:      cfg,
		notify:   notify,
		logger:   log.With("component", "watcher"),
	}
}

// Start schedules the periodic scan. Returns an error only if the schedule
// cannot be registered.
func (w *Watcher) Start(ctx context.Context) error {
	w.cron = cron.New()
	spec := fmt.Sprintf("@every %s", w.cfg.CheckInterval())
	_, err := w.cron.AddFunc(spec, func() {
		if err := w.Check(ctx); err != nil {
			w.logger.Error("subscription check failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling subscription check: %w", err)
	}
	w.cron.Start()
	w.logger.Info("watcher started", slog.Duration("interval", w.cfg.CheckInterval()))
	return nil
}

// Stop halts the schedule and waits for an in-flight scan to finish.
func (w *Watcher) Stop() {
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
}

// State returns a status snapshot.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.state
	s.Running = w.checking
	s.LastSeen = w.lastSeen
	s.RecentErrors = append([]CheckError(nil), w.state.RecentErrors...)
	return s
}

// Check runs one scan. Used by the schedule and by the manual trigger
// endpoint; overlapping calls collapse into one.
func (w *Watcher) Check(ctx context.Context) error {
	w.mu.Lock()
	if w.checking {
		w.mu.Unlock()
		return nil
	}
	w.checking = true
	w.mu.Unlock()

	err := w.check(ctx)

	w.mu.Lock()
	w.checking = false
	w.state.ChecksRun++
	w.state.LastCheckAt = time.Now()
	if err != nil {
		w.state.RecentErrors = append(w.state.RecentErrors, CheckError{
			At:      time.Now(),
			Message: err.Error(),
		})
		if len(w.state.RecentErrors) > maxRecentErrors {
			w.state.RecentErrors = w.state.RecentErrors[len(w.state.RecentErrors)-maxRecentErrors:]
		}
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) check(ctx context.Context) error {
	channels, excludeUser, err := w.resolveChannels(ctx)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		w.logger.Debug("no subscriptions to scan")
		w.noteNoWork()
		return nil
	}

	w.mu.Lock()
	lastSeen := w.lastSeen
	w.mu.Unlock()

	// Cheap high-water probe before the full listing.
	maxPublished, err := w.upstream.GetMaxPublishedTimestamp(ctx, channels)
	if err != nil {
		return fmt.Errorf("probing latest published timestamp: %w", err)
	}
	if !lastSeen.IsZero() && !maxPublished.After(lastSeen) {
		w.logger.Debug("no new videos since last check",
			slog.Time("last_seen", lastSeen))
		w.noteNoWork()
		return nil
	}

	after := lastSeen
	if after.IsZero() {
		after = time.Now().Add(-defaultLookback)
	}
	videos, err := w.upstream.GetLatestVideos(ctx, upstream.LatestVideosQuery{
		ChannelIDs:         channels,
		PublishedAfter:     &after,
		ExcludeLive:        w.cfg.ExcludeLive,
		ExcludePremieres:   w.cfg.ExcludePremieres,
		MinDurationSeconds: w.cfg.MinDurationSeconds,
		Limit:              w.cfg.MaxVideosPerCheck,
	})
	if err != nil {
		return fmt.Errorf("listing latest videos: %w", err)
	}

	downloaded, err := w.catalog.DownloadedVideoIDs(ctx)
	if err != nil {
		return fmt.Errorf("loading downloaded set: %w", err)
	}
	queued, err := w.catalog.QueuedVideoIDs(ctx)
	if err != nil {
		return fmt.Errorf("loading queued set: %w", err)
	}
	excluded, err := w.catalog.ExcludedChannels(ctx, excludeUser)
	if err != nil {
		return fmt.Errorf("loading excluded channels: %w", err)
	}

	candidates := sortVideosByPriority(filterVideos(videos, w.cfg, downloaded, queued, excluded))

	queuedCount := 0
	owners := map[string][]string{}
	for _, v := range candidates {
		ids, ok := owners[v.ChannelID]
		if !ok {
			ids, err = w.upstream.GetUsersSubscribedToChannel(ctx, v.ChannelID)
			if err != nil {
				return fmt.Errorf("resolving subscribers of %s: %w", v.ChannelID, err)
			}
			owners[v.ChannelID] = ids
		}

		if _, err := w.catalog.AddToQueue(ctx, repository.AddToQueueInput{
			VideoID:      v.VideoID,
			Source:       models.SourceSubscription,
			OwnerUserIDs: ids,
		}); err != nil {
			return fmt.Errorf("enqueueing %s: %w", v.VideoID, err)
		}
		queuedCount++
		w.logger.Info("queued subscription video",
			slog.String("video_id", v.VideoID),
			slog.String("channel_id", v.ChannelID),
			slog.String("title", v.Title),
		)
	}

	// Advance the high-water mark over everything the listing returned, not
	// just what survived filtering, so filtered videos are not re-examined.
	newSeen := lastSeen
	for _, v := range videos {
		if v.Published.After(newSeen) {
			newSeen = v.Published
		}
	}

	w.mu.Lock()
	w.lastSeen = newSeen
	w.state.VideosQueued += queuedCount
	w.mu.Unlock()

	if queuedCount > 0 && w.notify != nil {
		w.notify()
	}
	w.logger.Info("subscription check complete",
		slog.Int("channels", len(channels)),
		slog.Int("listed", len(videos)),
		slog.Int("queued", queuedCount),
	)
	return nil
}

func (w *Watcher) noteNoWork() {
	w.mu.Lock()
	w.state.ChecksNoWork++
	w.mu.Unlock()
}

// resolveChannels returns the deduplicated channel set to scan and the user
// whose personal exclusions apply (empty in multi-user mode, where only
// global exclusions filter).
func (w *Watcher) resolveChannels(ctx context.Context) ([]string, string, error) {
	if w.cfg.UserEmail != "" {
		subs, err := w.upstream.GetSubscriptions(ctx, w.cfg.UserEmail)
		if err != nil {
			return nil, "", fmt.Errorf("loading subscriptions for %s: %w", w.cfg.UserEmail, err)
		}
		return subs, w.cfg.UserEmail, nil
	}

	users, err := w.upstream.GetAllUsersWithSubscriptions(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("loading subscribed users: %w", err)
	}
	seen := map[string]struct{}{}
	var channels []string
	for _, u := range users {
		for _, ch := range u.Subscriptions {
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			channels = append(channels, ch)
		}
	}
	sort.Strings(channels)
	return channels, "", nil
}

// filterVideos drops videos already held, already queued, excluded, too
// short, live, or unreleased premieres. Pure: the input slice is not
// modified.
func filterVideos(
	videos []upstream.ChannelVideo,
	cfg config.WatcherConfig,
	downloaded, queued, excluded map[string]struct{},
) []upstream.ChannelVideo {
	now := time.Now()
	kept := make([]upstream.ChannelVideo, 0, len(videos))
	for _, v := range videos {
		if !models.ValidVideoID(v.VideoID) {
			continue
		}
		if _, ok := downloaded[v.VideoID]; ok {
			continue
		}
		if _, ok := queued[v.VideoID]; ok {
			continue
		}
		if _, ok := excluded[v.ChannelID]; ok {
			continue
		}
		if cfg.MinDurationSeconds > 0 && v.LengthSeconds < cfg.MinDurationSeconds {
			continue
		}
		if cfg.ExcludeLive && v.LiveNow {
			continue
		}
		if cfg.ExcludePremieres && v.PremiereAt != nil && v.PremiereAt.After(now) {
			continue
		}
		kept = append(kept, v)
	}
	return kept
}

// sortVideosByPriority returns the videos ordered newest first so the
// freshest uploads enter the queue ahead of backlog. Stable to keep
// per-channel upload order for equal timestamps. The input slice is left
// untouched.
func sortVideosByPriority(videos []upstream.ChannelVideo) []upstream.ChannelVideo {
	sorted := make([]upstream.ChannelVideo, len(videos))
	copy(sorted, videos)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Published.After(sorted[j].Published)
	})
	return sorted
}
