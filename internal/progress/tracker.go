// Package progress keeps the in-memory transfer state for active downloads.
// The catalog never sees these samples; they exist for the control-plane
// progress endpoint and vanish at terminal state.
package progress

import (
	"sync"
	"time"
)

// Stage names the pipeline phase a download is in.
type Stage string

const (
	StageResolving        Stage = "resolving"
	StageDownloadingVideo Stage = "downloading_video"
	StageDownloadingAudio Stage = "downloading_audio"
	StageMuxing           Stage = "muxing"
)

// Snapshot is one download's current progress.
type Snapshot struct {
	VideoID      string    `json:"video_id"`
	Title        string    `json:"title,omitempty"`
	Stage        Stage     `json:"stage"`
	BytesWritten int64     `json:"bytes_written"`
	TotalBytes   int64     `json:"total_bytes,omitempty"`
	Speed        float64   `json:"speed_bps"`
	Resuming     bool      `json:"resuming,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Percent returns completion in percent, or -1 when the total is unknown.
func (s Snapshot) Percent() float64 {
	if s.TotalBytes <= 0 {
		return -1
	}
	return float64(s.BytesWritten) / float64(s.TotalBytes) * 100
}

// Tracker is the active-progress map. Safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	active map[string]Snapshot
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]Snapshot)}
}

// Begin registers a download entering the pipeline.
func (t *Tracker) Begin(videoID, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.active[videoID] = Snapshot{
		VideoID:   videoID,
		Title:     title,
		Stage:     StageResolving,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// SetTitle fills in the title once metadata resolution has it.
func (t *Tracker) SetTitle(videoID, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.active[videoID]; ok {
		s.Title = title
		t.active[videoID] = s
	}
}

// SetStage moves a download to a new stage, resetting byte counters.
func (t *Tracker) SetStage(videoID string, stage Stage, resuming bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.active[videoID]
	if !ok {
		return
	}
	s.Stage = stage
	s.Resuming = resuming
	s.BytesWritten = 0
	s.TotalBytes = 0
	s.Speed = 0
	s.UpdatedAt = time.Now()
	t.active[videoID] = s
}

// Update records a transfer sample for the current stage.
func (t *Tracker) Update(videoID string, bytesWritten, totalBytes int64, speed float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.active[videoID]
	if !ok {
		return
	}
	s.BytesWritten = bytesWritten
	s.TotalBytes = totalBytes
	s.Speed = speed
	s.UpdatedAt = time.Now()
	t.active[videoID] = s
}

// End removes a download at terminal state.
func (t *Tracker) End(videoID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, videoID)
}

// Get returns the snapshot for one download.
func (t *Tracker) Get(videoID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.active[videoID]
	return s, ok
}

// Snapshots returns all active downloads.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(t.active))
	for _, s := range t.active {
		out = append(out, s)
	}
	return out
}

// Count returns the number of active downloads.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}
