package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vid = "dQw4w9WgXcQ"

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, 0, tr.Count())

	tr.Begin(vid, "Test Video")
	s, ok := tr.Get(vid)
	require.True(t, ok)
	assert.Equal(t, StageResolving, s.Stage)
	assert.Equal(t, "Test Video", s.Title)

	tr.SetStage(vid, StageDownloadingVideo, true)
	tr.Update(vid, 500, 1000, 250.0)

	s, ok = tr.Get(vid)
	require.True(t, ok)
	assert.Equal(t, StageDownloadingVideo, s.Stage)
	assert.True(t, s.Resuming)
	assert.Equal(t, int64(500), s.BytesWritten)
	assert.InDelta(t, 50.0, s.Percent(), 0.01)

	// Stage change resets the counters.
	tr.SetStage(vid, StageDownloadingAudio, false)
	s, _ = tr.Get(vid)
	assert.Equal(t, int64(0), s.BytesWritten)
	assert.Equal(t, float64(0), s.Speed)

	tr.End(vid)
	_, ok = tr.Get(vid)
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Count())
}

func TestSnapshotPercentUnknownTotal(t *testing.T) {
	s := Snapshot{BytesWritten: 500}
	assert.Equal(t, float64(-1), s.Percent())
}

func TestUpdateUnknownVideoIsNoop(t *testing.T) {
	tr := NewTracker()
	tr.Update(vid, 1, 2, 3)
	tr.SetStage(vid, StageMuxing, false)
	assert.Equal(t, 0, tr.Count())
}

func TestSnapshots(t *testing.T) {
	tr := NewTracker()
	tr.Begin(vid, "a")
	tr.Begin("aaaaaaaaaaa", "b")
	assert.Len(t, tr.Snapshots(), 2)
}
