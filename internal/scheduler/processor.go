// Package scheduler dispatches queued downloads to the pipeline: a polling
// tick plus event wakes, a concurrency cap, and failure classification with
// exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vidarr/vidarr/internal/fetch"
	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/repository"
)

// DownloadRunner executes one claimed queue item end to end.
type DownloadRunner interface {
	Run(ctx context.Context, item *models.QueueItem) error
}

// Config holds processor tunables.
type Config struct {
	// MaxConcurrent caps simultaneously running pipelines.
	MaxConcurrent int

	// PollInterval is the tick period; wakes fire extra ticks on queue
	// events.
	PollInterval time.Duration

	// MaxRetries is the classified-failure retry budget.
	MaxRetries int

	// RetryBaseDelay is the backoff base (the k-th retry waits
	// base × 4^(k−1)).
	RetryBaseDelay time.Duration

	// ThrottleMaxRetries is the separate budget for throttle re-fetches.
	ThrottleMaxRetries int
}

// Processor is the queue dispatcher. Create with NewProcessor.
type Processor struct {
	catalog repository.Catalog
	runner  DownloadRunner
	cfg     Config
	logger  *slog.Logger

	wake chan struct{}

	mu     sync.Mutex
	active map[string]context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates a Processor.
func NewProcessor(catalog repository.Catalog, runner DownloadRunner, cfg Config, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Processor{
		catalog: catalog,
		runner:  runner,
		cfg:     cfg,
		logger:  log.With("component", "processor"),
		wake:    make(chan struct{}, 1),
		active:  make(map[string]context.CancelFunc),
	}
}

// Start launches the dispatch loop. Returns immediately.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()

		p.logger.Info("processor started",
			slog.Int("max_concurrent", p.cfg.MaxConcurrent),
			slog.Duration("poll_interval", p.cfg.PollInterval),
		)

		for {
			p.tick(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-p.wake:
			}
		}
	}()
}

// Stop cancels all active downloads and waits for the loop to exit.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Wake requests an immediate tick. Never blocks.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// ActiveCount returns the number of running pipelines.
func (p *Processor) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// IsActive reports whether a pipeline currently owns the video.
func (p *Processor) IsActive(videoID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[videoID]
	return ok
}

// CancelDownload cancels an item. An active pipeline is interrupted; a
// pending item is moved straight to cancelled.
func (p *Processor) CancelDownload(ctx context.Context, videoID string) error {
	p.mu.Lock()
	cancel, running := p.active[videoID]
	p.mu.Unlock()

	if err := p.catalog.UpdateQueueStatus(ctx, videoID, models.QueueStatusCancelled, ""); err != nil {
		return err
	}
	if running {
		cancel()
	}
	p.Wake()
	return nil
}

// tick dispatches as many pending items as the concurrency cap allows.
func (p *Processor) tick(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if p.ActiveCount() >= p.cfg.MaxConcurrent {
			return
		}

		item, err := p.catalog.GetNextQueueItem(ctx)
		if err != nil {
			p.logger.Error("selecting next queue item", slog.String("error", err.Error()))
			return
		}
		if item == nil {
			return
		}

		claimed, err := p.catalog.ClaimForDownload(ctx, item.VideoID)
		if err != nil {
			p.logger.Error("claiming queue item",
				slog.String("video_id", item.VideoID),
				slog.String("error", err.Error()),
			)
			return
		}
		if !claimed {
			// Another worker won; look for the next item.
			continue
		}

		p.launch(ctx, item)
	}
}

// launch runs the pipeline for a claimed item in its own goroutine.
func (p *Processor) launch(ctx context.Context, item *models.QueueItem) {
	runCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.active[item.VideoID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.active, item.VideoID)
			p.mu.Unlock()
			p.Wake()
		}()

		err := p.runner.Run(runCtx, item)
		p.handleOutcome(ctx, item, err)
	}()
}

// handleOutcome applies the post-run policy. The background ctx (not the
// per-run one) is used for catalog writes so a cancelled download can still
// record its state.
func (p *Processor) handleOutcome(ctx context.Context, item *models.QueueItem, err error) {
	log := p.logger.With(slog.String("video_id", item.VideoID))

	switch {
	case err == nil:
		log.Info("download completed")
		return

	case errors.Is(err, fetch.ErrStartFresh):
		// The pipeline already wiped the stale partials and reset the item;
		// the next tick starts it over without consuming a retry.
		log.Info("restarting download after refused resume")
		return

	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		// The per-run context was cancelled (user cancel); the status row
		// was already written by CancelDownload.
		log.Info("download cancelled")
		return

	case errors.Is(err, context.Canceled):
		// Shutdown; the startup recovery sweep will reset the row.
		return

	case errors.Is(err, fetch.ErrThrottled):
		if item.ThrottleRetryCount < p.cfg.ThrottleMaxRetries {
			if ierr := p.catalog.IncrementThrottleRetry(ctx, item.VideoID, err.Error()); ierr != nil {
				log.Error("incrementing throttle retry", slog.String("error", ierr.Error()))
				return
			}
			log.Warn("download throttled, will re-fetch with fresh urls",
				slog.Int("throttle_retry", item.ThrottleRetryCount+1),
			)
			return
		}
		// Budget exhausted; fall through to normal failure handling.
		fallthrough

	default:
		p.classifyAndSchedule(ctx, log, item, err)
	}
}

// classifyAndSchedule runs the failure classifier and applies its policy.
func (p *Processor) classifyAndSchedule(ctx context.Context, log *slog.Logger, item *models.QueueItem, runErr error) {
	message := runErr.Error()
	class := ClassifyFailure(message)

	switch {
	case class == FailurePermanent:
		log.Warn("permanent failure", slog.String("error", message))
		if err := p.catalog.UpdateQueueStatus(ctx, item.VideoID, models.QueueStatusFailed, message); err != nil {
			log.Error("marking item failed", slog.String("error", err.Error()))
		}

	case item.RetryCount >= p.cfg.MaxRetries:
		message = fmt.Sprintf("%s (max retries reached)", message)
		log.Warn("retry budget exhausted", slog.String("error", message))
		if err := p.catalog.UpdateQueueStatus(ctx, item.VideoID, models.QueueStatusFailed, message); err != nil {
			log.Error("marking item failed", slog.String("error", err.Error()))
		}

	default:
		retry := item.RetryCount + 1
		delay := RetryDelay(p.cfg.RetryBaseDelay, retry)
		nextRetryAt := time.Now().Add(delay)
		log.Warn("scheduling retry",
			slog.String("class", class.String()),
			slog.Int("retry", retry),
			slog.Duration("delay", delay),
			slog.String("error", message),
		)
		if err := p.catalog.ScheduleRetry(ctx, item.VideoID, message, retry, nextRetryAt); err != nil {
			log.Error("scheduling retry", slog.String("error", err.Error()))
		}
	}
}
