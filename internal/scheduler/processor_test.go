package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidarr/vidarr/internal/database"
	"github.com/vidarr/vidarr/internal/fetch"
	"github.com/vidarr/vidarr/internal/models"
	"github.com/vidarr/vidarr/internal/repository"
)

const (
	vidA = "dQw4w9WgXcQ"
	vidB = "aaaaaaaaaaa"
)

// fakeRunner records invocations and returns a per-video scripted result.
type fakeRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string]error
	block   chan struct{} // when set, Run waits for close or ctx
	store   *repository.Store
}

func (r *fakeRunner) Run(ctx context.Context, item *models.QueueItem) error {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[item.VideoID]++
	block := r.block
	err := r.results[item.VideoID]
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	// The real pipeline records completion itself.
	return r.store.UpdateQueueStatus(ctx, item.VideoID, models.QueueStatusCompleted, "")
}

func (r *fakeRunner) callCount(videoID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[videoID]
}

func newTestCatalog(t *testing.T) *repository.Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Open(filepath.Join(t.TempDir(), "downloads.db"), log)
	require.NoError(t, err)
	store := repository.New(db)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestProcessor(t *testing.T, store *repository.Store, runner DownloadRunner, cfg Config) *Processor {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessor(store, runner, cfg, log)
}

func enqueue(t *testing.T, store *repository.Store, videoID string) *models.QueueItem {
	t.Helper()
	item, err := store.AddToQueue(context.Background(), repository.AddToQueueInput{
		VideoID: videoID, UserID: "alice", Source: models.SourceManual,
	})
	require.NoError(t, err)
	return item
}

func claim(t *testing.T, store *repository.Store, videoID string) {
	t.Helper()
	ok, err := store.ClaimForDownload(context.Background(), videoID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProcessorDispatchesAndCompletes(t *testing.T) {
	store := newTestCatalog(t)
	runner := &fakeRunner{store: store}
	p := newTestProcessor(t, store, runner, Config{
		MaxConcurrent: 2,
		PollInterval:  10 * time.Millisecond,
	})

	p.Start(context.Background())
	defer p.Stop()

	enqueue(t, store, vidA)
	p.Wake()

	require.Eventually(t, func() bool {
		q, err := store.GetQueueItem(context.Background(), vidA)
		return err == nil && q.Status == models.QueueStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, runner.callCount(vidA))
	assert.Eventually(t, func() bool { return p.ActiveCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestProcessorHonorsConcurrencyCap(t *testing.T) {
	store := newTestCatalog(t)
	release := make(chan struct{})
	runner := &fakeRunner{store: store, block: release}
	p := newTestProcessor(t, store, runner, Config{
		MaxConcurrent: 1,
		PollInterval:  10 * time.Millisecond,
	})

	p.Start(context.Background())
	defer p.Stop()

	enqueue(t, store, vidA)
	enqueue(t, store, vidB)
	p.Wake()

	require.Eventually(t, func() bool { return p.ActiveCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// The cap keeps the second item pending while the first is blocked.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p.ActiveCount())

	close(release)
	require.Eventually(t, func() bool {
		for _, id := range []string{vidA, vidB} {
			q, err := store.GetQueueItem(context.Background(), id)
			if err != nil || q.Status != models.QueueStatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleOutcomeRetrySchedule(t *testing.T) {
	store := newTestCatalog(t)
	p := newTestProcessor(t, store, &fakeRunner{store: store}, Config{
		MaxRetries:     3,
		RetryBaseDelay: time.Minute,
	})
	ctx := context.Background()

	item := enqueue(t, store, vidA)
	claim(t, store, vidA)

	transient := errors.New("connection reset by peer")
	wantDelays := []time.Duration{time.Minute, 4 * time.Minute, 16 * time.Minute}

	for round, wantDelay := range wantDelays {
		item.RetryCount = round
		before := time.Now()
		p.handleOutcome(ctx, item, transient)

		q, err := store.GetQueueItem(ctx, vidA)
		require.NoError(t, err)
		assert.Equal(t, models.QueueStatusPending, q.Status, "round %d", round)
		assert.Equal(t, round+1, q.RetryCount, "round %d", round)
		require.NotNil(t, q.NextRetryAt, "round %d", round)
		gate := q.NextRetryAt.Sub(before)
		assert.InDelta(t, wantDelay.Seconds(), gate.Seconds(), 5, "round %d", round)
	}

	// Fourth failure exhausts the budget.
	item.RetryCount = 3
	p.handleOutcome(ctx, item, transient)

	q, err := store.GetQueueItem(ctx, vidA)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, q.Status)
	assert.Contains(t, q.ErrorMessage, "(max retries reached)")
}

func TestHandleOutcomePermanentFailsImmediately(t *testing.T) {
	store := newTestCatalog(t)
	p := newTestProcessor(t, store, &fakeRunner{store: store}, Config{
		MaxRetries:     3,
		RetryBaseDelay: time.Minute,
	})
	ctx := context.Background()

	item := enqueue(t, store, vidA)
	claim(t, store, vidA)

	p.handleOutcome(ctx, item, fmt.Errorf("resolving metadata: %w", errors.New("video is unavailable")))

	q, err := store.GetQueueItem(ctx, vidA)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, q.Status)
	assert.Equal(t, 0, q.RetryCount)
	assert.Nil(t, q.NextRetryAt)
}

func TestHandleOutcomeThrottleBelowBudget(t *testing.T) {
	store := newTestCatalog(t)
	p := newTestProcessor(t, store, &fakeRunner{store: store}, Config{
		MaxRetries:         3,
		RetryBaseDelay:     time.Minute,
		ThrottleMaxRetries: 2,
	})
	ctx := context.Background()

	item := enqueue(t, store, vidA)
	claim(t, store, vidA)

	p.handleOutcome(ctx, item, fmt.Errorf("fetching video stream: %w", fetch.ErrThrottled))

	q, err := store.GetQueueItem(ctx, vidA)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, q.Status)
	assert.Equal(t, 1, q.ThrottleRetryCount)
	// Throttle retries are immediate and free: no backoff gate, no retry
	// consumed.
	assert.Equal(t, 0, q.RetryCount)
	assert.True(t, q.ReadyAt(time.Now()))
}

func TestHandleOutcomeThrottleBudgetExhausted(t *testing.T) {
	store := newTestCatalog(t)
	p := newTestProcessor(t, store, &fakeRunner{store: store}, Config{
		MaxRetries:         3,
		RetryBaseDelay:     time.Minute,
		ThrottleMaxRetries: 2,
	})
	ctx := context.Background()

	item := enqueue(t, store, vidA)
	claim(t, store, vidA)
	item.ThrottleRetryCount = 2

	p.handleOutcome(ctx, item, fmt.Errorf("fetching video stream: %w", fetch.ErrThrottled))

	// Falls through to the classifier: throttle messages are transient, so
	// the backoff schedule takes over.
	q, err := store.GetQueueItem(ctx, vidA)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, q.Status)
	assert.Equal(t, 1, q.RetryCount)
	require.NotNil(t, q.NextRetryAt)
	assert.False(t, q.ReadyAt(time.Now()))
}

func TestHandleOutcomeStartFreshLeavesRowAlone(t *testing.T) {
	store := newTestCatalog(t)
	p := newTestProcessor(t, store, &fakeRunner{store: store}, Config{
		MaxRetries:     3,
		RetryBaseDelay: time.Minute,
	})
	ctx := context.Background()

	item := enqueue(t, store, vidA)
	claim(t, store, vidA)
	// The pipeline resets the row before surfacing the sentinel.
	require.NoError(t, store.UpdateQueueStatus(ctx, vidA, models.QueueStatusPending, ""))

	p.handleOutcome(ctx, item, fmt.Errorf("fetching video stream: %w", fetch.ErrStartFresh))

	q, err := store.GetQueueItem(ctx, vidA)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, q.Status)
	assert.Equal(t, 0, q.RetryCount)
}

func TestCancelDownloadPendingItem(t *testing.T) {
	store := newTestCatalog(t)
	p := newTestProcessor(t, store, &fakeRunner{store: store}, Config{})
	ctx := context.Background()

	enqueue(t, store, vidA)
	require.NoError(t, p.CancelDownload(ctx, vidA))

	q, err := store.GetQueueItem(ctx, vidA)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCancelled, q.Status)
}

func TestCancelDownloadActiveItem(t *testing.T) {
	store := newTestCatalog(t)
	block := make(chan struct{})
	runner := &fakeRunner{store: store, block: block}
	p := newTestProcessor(t, store, runner, Config{
		MaxConcurrent: 1,
		PollInterval:  10 * time.Millisecond,
	})

	p.Start(context.Background())
	defer p.Stop()

	enqueue(t, store, vidA)
	p.Wake()

	require.Eventually(t, func() bool { return p.IsActive(vidA) },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.CancelDownload(context.Background(), vidA))

	require.Eventually(t, func() bool { return !p.IsActive(vidA) },
		2*time.Second, 10*time.Millisecond)

	// The cancelled status written by CancelDownload survives the outcome
	// handler.
	q, err := store.GetQueueItem(context.Background(), vidA)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCancelled, q.Status)
}

func TestProcessorSkipsGatedItems(t *testing.T) {
	store := newTestCatalog(t)
	runner := &fakeRunner{store: store}
	p := newTestProcessor(t, store, runner, Config{
		MaxConcurrent: 1,
		PollInterval:  10 * time.Millisecond,
	})
	ctx := context.Background()

	enqueue(t, store, vidA)
	require.NoError(t, store.ScheduleRetry(ctx, vidA, "flaky", 1, time.Now().Add(time.Hour)))

	p.Start(ctx)
	defer p.Stop()
	p.Wake()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, runner.callCount(vidA))

	q, err := store.GetQueueItem(ctx, vidA)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, q.Status)
}
